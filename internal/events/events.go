package events

import (
	"encoding/json"
	"time"
)

// 应用的路由键，存储时会加上配置的前缀
const (
	RoutingKeyEntityRevision              = "versioning_event"
	RoutingKeyDomainCreation              = "domain_creation_event"
	RoutingKeyElementTypeDefinitionUpdate = "element_type_definition_update"
	RoutingKeyClientChange                = "client_change"
)

// RevisionType 实体变更的类型
type RevisionType string

const (
	RevisionCreation     RevisionType = "CREATION"
	RevisionModification RevisionType = "MODIFICATION"
	RevisionHardDeletion RevisionType = "HARD_DELETION"
)

// EntityRevision 实体版本变更事件
type EntityRevision struct {
	URI          string          `json:"uri"`
	Type         RevisionType    `json:"type"`
	ChangeNumber int64           `json:"changeNumber"`
	Time         time.Time       `json:"time"`
	Author       string          `json:"author"`
	ClientID     string          `json:"clientId,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"` // 硬删除时为空
}

// ChangeNumber 根据实体当前的乐观锁版本计算连续的变更号。
// 创建时为版本本身；更新和删除在本次变更写入前发生，所以要加一。
func ChangeNumber(version int64, t RevisionType) int64 {
	if t == RevisionCreation {
		return version
	}
	return version + 1
}

// DomainCreation 领域创建事件
type DomainCreation struct {
	DomainID         string `json:"domainId"`
	ClientID         string `json:"clientId"`
	DomainTemplateID string `json:"domainTemplateId,omitempty"`
}

// ElementTypeDefinitionUpdate 元素类型定义更新事件，消费者按 eventType 分派
type ElementTypeDefinitionUpdate struct {
	EventType   string `json:"eventType"`
	DomainID    string `json:"domainId"`
	ElementType string `json:"elementType"`
}

// ClientChangeType 客户端变更类型
type ClientChangeType string

const (
	ClientCreation     ClientChangeType = "CREATION"
	ClientActivation   ClientChangeType = "ACTIVATION"
	ClientDeactivation ClientChangeType = "DEACTIVATION"
	ClientDeletion     ClientChangeType = "DELETION"
	ClientModification ClientChangeType = "MODIFICATION"
)

// ClientChange 客户端生命周期事件
type ClientChange struct {
	EventType      string              `json:"eventType"`
	ClientID       string              `json:"clientId"`
	Type           ClientChangeType    `json:"type"`
	Name           string              `json:"name,omitempty"`
	MaxUnits       *int                `json:"maxUnits,omitempty"`
	DomainProducts map[string][]string `json:"domainProducts,omitempty"`
}
