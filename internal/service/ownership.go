package service

import "github.com/d60-Lab/feedsync/internal/apperr"

// AssertOwner fails unless actorID is present and equals the post's author.
func AssertOwner(actorID, authorID string) error {
	if actorID == "" {
		return apperr.Authorization("assertOwner", "no authenticated actor")
	}
	if actorID != authorID {
		return apperr.Authorization("assertOwner", "actor %s does not own this post", actorID)
	}
	return nil
}
