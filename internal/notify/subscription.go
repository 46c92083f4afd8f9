package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/kazz187/flowguild/pkg/cerr"
	"github.com/kazz187/flowguild/pkg/storage"
)

// Subscription is one browser's web push registration.
type Subscription struct {
	ID        string    `yaml:"id" json:"id"`
	Endpoint  string    `yaml:"endpoint" json:"endpoint"`
	P256dhKey string    `yaml:"p256dh_key" json:"p256dh_key"`
	AuthKey   string    `yaml:"auth_key" json:"auth_key"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
	FindByEndpoint(ctx context.Context, endpoint string) (*Subscription, error)
}

const subscriptionsPrefix = "push_subscriptions"

func subscriptionPath(id string) string {
	return fmt.Sprintf("%s/%s.yaml", subscriptionsPrefix, id)
}

type YAMLStore struct {
	storage storage.Storage
}

func NewYAMLStore(s storage.Storage) *YAMLStore {
	return &YAMLStore{storage: s}
}

func (r *YAMLStore) Create(ctx context.Context, s *Subscription) error {
	if s.ID == "" {
		s.ID = ulid.Make().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	exists, err := r.storage.Exists(ctx, subscriptionPath(s.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("push_subscription", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "push subscription already exists", nil)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal push subscription: %w", err))
	}
	if err := r.storage.Write(ctx, subscriptionPath(s.ID), data); err != nil {
		return cerr.WrapStorageWriteError("push_subscription", err)
	}
	return nil
}

func (r *YAMLStore) Get(ctx context.Context, id string) (*Subscription, error) {
	data, err := r.storage.Read(ctx, subscriptionPath(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("push_subscription", err)
	}
	var s Subscription
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal push subscription: %w", err))
	}
	return &s, nil
}

func (r *YAMLStore) List(ctx context.Context) ([]*Subscription, error) {
	paths, err := r.storage.List(ctx, subscriptionsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("push_subscriptions", err)
	}
	sort.Strings(paths)

	var all []*Subscription
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var s Subscription
		if err := yaml.Unmarshal(data, &s); err != nil {
			continue
		}
		all = append(all, &s)
	}
	return all, nil
}

func (r *YAMLStore) Delete(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, subscriptionPath(id)); err != nil {
		return cerr.WrapStorageDeleteError("push_subscription", err)
	}
	return nil
}

func (r *YAMLStore) FindByEndpoint(ctx context.Context, endpoint string) (*Subscription, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.Endpoint == endpoint {
			return s, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, "push subscription not found", nil)
}

// Register stores a subscription, replacing any previous registration of the
// same endpoint so browsers can re-subscribe without piling up rows.
func Register(ctx context.Context, store Store, sub *Subscription) (*Subscription, error) {
	if sub.Endpoint == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "endpoint is required", nil)
	}
	if sub.P256dhKey == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "p256dh_key is required", nil)
	}
	if sub.AuthKey == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "auth_key is required", nil)
	}

	if existing, err := store.FindByEndpoint(ctx, sub.Endpoint); err == nil {
		existing.P256dhKey = sub.P256dhKey
		existing.AuthKey = sub.AuthKey
		if err := store.Delete(ctx, existing.ID); err != nil {
			return nil, err
		}
		if err := store.Create(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	if err := store.Create(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}
