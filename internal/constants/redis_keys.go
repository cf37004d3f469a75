package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: {app}:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "veo"

	// OutboxModulePrefix 发件箱模块
	OutboxModulePrefix = "outbox"

	// EntityLock 分布式锁实体
	EntityLock = "lock"

	// KeyPublicationLease 发布任务的集群租约 (STRING, 值为持有者标识)
	// 格式: veo:lock:outbox:publication
	KeyPublicationLease = AppPrefix + ":" + EntityLock + ":" + OutboxModulePrefix + ":publication"
)
