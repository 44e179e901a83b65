package service

import (
	"context"
	"errors"
)

type EditState uint8

const (
	StateViewing EditState = iota
	StateEditing
	StateCommitting
)

func (s EditState) String() string {
	switch s {
	case StateEditing:
		return "editing"
	case StateCommitting:
		return "committing"
	default:
		return "viewing"
	}
}

var ErrNotEditing = errors.New("no post is being edited")

// EditSession 客户端本地的编辑状态，不持久化，不可并发使用
type EditSession struct {
	state       EditState
	original    FeedEntry
	body        string
	asset       AssetRef
	replacement []byte
}

func NewEditSession() *EditSession { return &EditSession{} }

func (s *EditSession) State() EditState { return s.state }

// EditingID returns the post being edited, or "" while viewing.
func (s *EditSession) EditingID() string {
	if s.state == StateViewing {
		return ""
	}
	return s.original.ID
}

// Select enters editing for entry. Selecting the post already being edited
// leaves edit mode; selecting another post discards the current working copy.
func (s *EditSession) Select(entry FeedEntry) {
	if s.state != StateViewing && s.original.ID == entry.ID {
		s.Cancel()
		return
	}
	s.state = StateEditing
	s.original = entry
	s.body = entry.Body
	s.asset = entry.Asset
	s.replacement = nil
}

// Cancel discards the working copy and returns to viewing.
func (s *EditSession) Cancel() {
	*s = EditSession{}
}

func (s *EditSession) Body() string    { return s.body }
func (s *EditSession) Asset() AssetRef { return s.asset }

func (s *EditSession) SetBody(body string) error {
	if s.state != StateEditing {
		return ErrNotEditing
	}
	s.body = body
	return nil
}

// RemoveAsset drops a pending replacement, or marks the attached asset for removal.
func (s *EditSession) RemoveAsset() error {
	if s.state != StateEditing {
		return ErrNotEditing
	}
	s.replacement = nil
	if s.original.Asset.Present() {
		s.asset = s.original.Asset.PendingRemoval()
	} else {
		s.asset = NoAsset()
	}
	return nil
}

func (s *EditSession) ReplaceAsset(data []byte) error {
	if s.state != StateEditing {
		return ErrNotEditing
	}
	s.replacement = data
	s.asset = s.original.Asset
	return nil
}

// Change derives the asset change the commit will apply.
func (s *EditSession) Change() AssetChange {
	switch {
	case s.replacement != nil:
		return ReplaceAsset(s.replacement)
	case s.asset.State == AssetPendingRemoval:
		return RemoveAsset()
	default:
		return KeepAsset()
	}
}

// Commit applies the working copy. On success the session returns to viewing;
// on any failure, a declined confirmation included, it stays in editing with
// the working copy intact.
func (s *EditSession) Commit(ctx context.Context, c *MutationCoordinator, actor Actor, confirm Confirmer) (FeedEntry, error) {
	if s.state != StateEditing {
		return FeedEntry{}, ErrNotEditing
	}
	s.state = StateCommitting
	entry, err := c.EditPost(ctx, actor, s.original.ID, s.body, s.Change(), confirm)
	if err != nil {
		s.state = StateEditing
		return FeedEntry{}, err
	}
	*s = EditSession{}
	return entry, nil
}
