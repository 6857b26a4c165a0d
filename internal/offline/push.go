package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Notification is what a push payload renders to.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body,omitempty"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

type NotificationData struct {
	URL string `json:"url,omitempty"`
	Tag string `json:"tag,omitempty"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notifier displays a notification to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type logNotifier struct{ log *zap.Logger }

func (l logNotifier) Notify(_ context.Context, n Notification) error {
	l.log.Info("notification", zap.String("title", n.Title), zap.String("body", n.Body),
		zap.String("url", n.Data.URL), zap.String("tag", n.Data.Tag))
	return nil
}

type pushDefaults struct {
	Title string
	Icon  string
	Badge string
}

// parsePush decodes a push payload. A payload that is not JSON becomes the
// notification body, matching how browsers treat text pushes.
func parsePush(payload []byte, def pushDefaults) (Notification, error) {
	var n Notification
	trimmed := strings.TrimSpace(string(payload))
	switch {
	case trimmed == "":
	case strings.HasPrefix(trimmed, "{"):
		if err := json.Unmarshal(payload, &n); err != nil {
			return Notification{}, fmt.Errorf("decode push payload: %w", err)
		}
	default:
		n.Body = trimmed
	}
	if n.Title == "" {
		n.Title = def.Title
	}
	if n.Icon == "" {
		n.Icon = def.Icon
	}
	if n.Badge == "" {
		n.Badge = def.Badge
	}
	return n, nil
}

// NotificationTarget is the URL a click on n opens.
func NotificationTarget(n Notification) string {
	if n.Data.URL == "" {
		return "/"
	}
	return n.Data.URL
}

// PushSubscription mirrors the browser PushSubscription JSON.
type PushSubscription struct {
	Endpoint       string            `json:"endpoint"`
	ExpirationTime *int64            `json:"expirationTime,omitempty"`
	Keys           map[string]string `json:"keys"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

var subscriptionPrefix = []byte("s:")

// subscriptionStore keeps one subscription per endpoint. It shares the
// leveldb database of the cache buckets.
type subscriptionStore struct {
	db *leveldb.DB
}

// Save stores sub and reports whether the endpoint was already known.
func (s *subscriptionStore) Save(sub PushSubscription) (bool, error) {
	if strings.TrimSpace(sub.Endpoint) == "" {
		return false, errors.New("subscription endpoint is required")
	}
	k := append(append([]byte(nil), subscriptionPrefix...), sub.Endpoint...)
	existed, err := s.db.Has(k, nil)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return false, err
	}
	return existed, s.db.Put(k, raw, nil)
}

func (s *subscriptionStore) Remove(endpoint string) error {
	return s.db.Delete(append(append([]byte(nil), subscriptionPrefix...), endpoint...), nil)
}

func (s *subscriptionStore) List() ([]PushSubscription, error) {
	it := s.db.NewIterator(util.BytesPrefix(subscriptionPrefix), nil)
	defer it.Release()
	var out []PushSubscription
	for it.Next() {
		var sub PushSubscription
		if err := json.Unmarshal(it.Value(), &sub); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, it.Error()
}
