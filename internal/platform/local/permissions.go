package local

import (
	"context"

	"edunotify/internal/notification"
	"edunotify/internal/platform"
	"edunotify/internal/storage"
)

// Permissions keeps the tri-state permission in storage. Request answers
// with a configured decision instead of prompting a human; an answer of
// "default" models a dismissed prompt.
type Permissions struct {
	store  storage.Store
	answer notification.Permission
}

var _ platform.Permissions = (*Permissions)(nil)

func NewPermissions(store storage.Store, answer notification.Permission) *Permissions {
	return &Permissions{store: store, answer: answer}
}

func (p *Permissions) Current(ctx context.Context) (notification.Permission, error) {
	if p.store == nil {
		return notification.PermissionDefault, nil
	}
	v, ok, err := p.store.GetSetting(ctx, storage.KeyPermission)
	if err != nil {
		return notification.PermissionDefault, err
	}
	if !ok {
		return notification.PermissionDefault, nil
	}
	return notification.ParsePermission(v), nil
}

func (p *Permissions) Request(ctx context.Context) (notification.Permission, error) {
	ans := p.answer
	if ans == "" {
		ans = notification.PermissionDefault
	}
	if ans != notification.PermissionDefault && p.store != nil {
		if err := p.store.PutSetting(ctx, storage.KeyPermission, string(ans)); err != nil {
			return ans, err
		}
	}
	return ans, nil
}
