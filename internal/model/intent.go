package model

import "time"

// IntentOp 跨存储操作类型
type IntentOp string

const (
	IntentAttach  IntentOp = "attach"  // create 后挂载附件
	IntentRemove  IntentOp = "remove"  // edit 删除附件
	IntentReplace IntentOp = "replace" // edit 替换附件
	IntentDelete  IntentOp = "delete"  // 删除帖子及附件
)

const (
	IntentPending = "pending"
	IntentDone    = "done"
	IntentFailed  = "failed"
	IntentStale   = "stale"
)

// Intent 跨存储意图日志：两个存储都动手之前先落一条
type Intent struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PostID      string     `gorm:"type:varchar(32);index:idx_intent_post" json:"post_id"`
	AuthorID    string     `gorm:"type:varchar(128)" json:"author_id"`
	Op          IntentOp   `gorm:"type:varchar(16)" json:"op"`
	AssetPath   string     `gorm:"type:varchar(300)" json:"asset_path"`
	Status      string     `gorm:"type:varchar(16);index:idx_intent_status_created" json:"status"`
	Step        string     `gorm:"type:varchar(32)" json:"step,omitempty"` // 失败时所在步骤
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time  `gorm:"index:idx_intent_status_created" json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

func (Intent) TableName() string { return "intents" }
