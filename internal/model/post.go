package model

// Post 帖子元数据（tweets 集合）。时间戳为毫秒。
type Post struct {
	ID        string  `gorm:"primaryKey;type:varchar(32)"`
	AuthorID  string  `gorm:"column:author_id;type:varchar(128);index:idx_post_author_created;not null"`
	Username  string  `gorm:"type:varchar(128)"`
	Body      string  `gorm:"type:text;not null"`
	CreatedAt int64   `gorm:"column:created_at;autoCreateTime:milli;index:idx_post_created;index:idx_post_author_created"`
	UpdatedAt *int64  `gorm:"column:updated_at;autoUpdateTime:false"`
	Asset     *string `gorm:"type:text"`
}

func (Post) TableName() string { return "tweets" }
