package service

import (
	"context"
	"errors"
)

// Actor 当前操作者，由外部身份系统提供并显式传入
type Actor struct {
	ID          string
	DisplayName string
}

// Name 展示名，缺省为 Anonymous
func (a Actor) Name() string {
	if a.DisplayName == "" {
		return "Anonymous"
	}
	return a.DisplayName
}

type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionEdit   ActionKind = "edit"
	ActionDelete ActionKind = "delete"
)

// Action 待确认的变更
type Action struct {
	Kind   ActionKind
	PostID string
}

// Confirmer 变更前的是/否闸门
type Confirmer interface {
	Confirm(ctx context.Context, action Action) bool
}

type ConfirmFunc func(ctx context.Context, action Action) bool

func (f ConfirmFunc) Confirm(ctx context.Context, action Action) bool { return f(ctx, action) }

var (
	Confirmed Confirmer = ConfirmFunc(func(context.Context, Action) bool { return true })
	Declined  Confirmer = ConfirmFunc(func(context.Context, Action) bool { return false })
)

// ErrNotConfirmed 用户拒绝或未提供确认，未发出任何存储调用
var ErrNotConfirmed = errors.New("mutation not confirmed")

func confirmed(ctx context.Context, c Confirmer, action Action) bool {
	return c != nil && c.Confirm(ctx, action)
}
