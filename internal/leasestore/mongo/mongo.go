// Package mongo persists leases in MongoDB using the gpu_allocations and
// notifications collections.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/uuidv7"
)

const (
	allocationsC   = "gpu_allocations"
	notificationsC = "notifications"

	defaultDialTimeout = 10 * time.Second
)

// Config selects the server and database.
type Config struct {
	// URL is a mongodb:// connection string.
	URL string
	// Database overrides the database named in URL.
	Database    string
	DialTimeout time.Duration
}

type allocationDoc struct {
	DocID       string     `bson:"_id"`
	Username    string     `bson:"username"`
	DeviceType  string     `bson:"gpu_type"`
	DeviceID    int        `bson:"gpu_id"`
	AllocatedAt time.Time  `bson:"allocated_at"`
	ExpiresAt   time.Time  `bson:"expiration_time"`
	ReleasedAt  *time.Time `bson:"released_at"`
	Comment     string     `bson:"comment"`
}

type notificationDoc struct {
	DocID     string    `bson:"_id"`
	Username  string    `bson:"username"`
	Message   string    `bson:"message"`
	CreatedAt time.Time `bson:"created_at"`
	Read      bool      `bson:"read"`
}

// Store implements leasestore.Store. Each call works on a copy of the root
// session so concurrent callers do not share a socket.
type Store struct {
	session  *mgo.Session
	database string
}

// Open dials MongoDB and ensures the indexes exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("leasestore/mongo: url required")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	session, err := mgo.DialWithTimeout(cfg.URL, timeout)
	if err != nil {
		return nil, fmt.Errorf("leasestore/mongo: dial: %w", err)
	}
	session.SetMode(mgo.Monotonic, true)
	store := &Store{session: session, database: cfg.Database}
	if err := store.ensureIndexes(); err != nil {
		session.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) collection(name string) (*mgo.Collection, func()) {
	session := s.session.Copy()
	return session.DB(s.database).C(name), session.Close
}

func (s *Store) ensureIndexes() error {
	allocations, closer := s.collection(allocationsC)
	defer closer()
	for _, index := range []mgo.Index{
		{Key: []string{"username"}},
		{Key: []string{"gpu_type", "gpu_id"}},
		{Key: []string{"expiration_time"}},
	} {
		if err := allocations.EnsureIndex(index); err != nil {
			return fmt.Errorf("leasestore/mongo: ensure index %v: %w", index.Key, err)
		}
	}
	notifications, closeNotifications := s.collection(notificationsC)
	defer closeNotifications()
	if err := notifications.EnsureIndex(mgo.Index{Key: []string{"username", "read"}}); err != nil {
		return fmt.Errorf("leasestore/mongo: ensure notification index: %w", err)
	}
	return nil
}

func (s *Store) Create(_ context.Context, l *leasestore.Lease) error {
	if l.ID == "" {
		l.ID = uuidv7.NewString()
	}
	l.AllocatedAt = leasestore.Normalize(l.AllocatedAt)
	l.ExpiresAt = leasestore.Normalize(l.ExpiresAt)
	c, closer := s.collection(allocationsC)
	defer closer()
	if err := c.Insert(toDoc(*l)); err != nil {
		return fmt.Errorf("leasestore/mongo: insert lease %s: %w", l.ID, err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (leasestore.Lease, error) {
	c, closer := s.collection(allocationsC)
	defer closer()
	var doc allocationDoc
	err := c.FindId(id).One(&doc)
	if err == mgo.ErrNotFound {
		return leasestore.Lease{}, leasestore.ErrNotFound
	}
	if err != nil {
		return leasestore.Lease{}, fmt.Errorf("leasestore/mongo: get lease %s: %w", id, err)
	}
	return fromDoc(doc), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	c, closer := s.collection(allocationsC)
	defer closer()
	if err := c.RemoveId(id); err != nil && err != mgo.ErrNotFound {
		return fmt.Errorf("leasestore/mongo: delete lease %s: %w", id, err)
	}
	return nil
}

func (s *Store) MarkReleased(_ context.Context, id string, at time.Time, comment string) (bool, error) {
	c, closer := s.collection(allocationsC)
	defer closer()
	set := bson.M{"released_at": leasestore.Normalize(at)}
	if comment != "" {
		set["comment"] = comment
	}
	err := c.Update(bson.M{"_id": id, "released_at": nil}, bson.M{"$set": set})
	if err == nil {
		return true, nil
	}
	if err != mgo.ErrNotFound {
		return false, fmt.Errorf("leasestore/mongo: release lease %s: %w", id, err)
	}
	count, err := c.FindId(id).Count()
	if err != nil {
		return false, fmt.Errorf("leasestore/mongo: release lease %s: %w", id, err)
	}
	if count == 0 {
		return false, leasestore.ErrNotFound
	}
	return false, nil
}

func (s *Store) ListActive(_ context.Context) ([]leasestore.Lease, error) {
	return s.find(bson.M{"released_at": nil}, "expiration_time", "_id")
}

func (s *Store) ActiveForDevice(_ context.Context, deviceType string, deviceID int) (leasestore.Lease, error) {
	c, closer := s.collection(allocationsC)
	defer closer()
	var doc allocationDoc
	err := c.Find(bson.M{"gpu_type": deviceType, "gpu_id": deviceID, "released_at": nil}).One(&doc)
	if err == mgo.ErrNotFound {
		return leasestore.Lease{}, leasestore.ErrNotFound
	}
	if err != nil {
		return leasestore.Lease{}, fmt.Errorf("leasestore/mongo: lookup device %s/%d: %w", deviceType, deviceID, err)
	}
	return fromDoc(doc), nil
}

func (s *Store) ListByUser(_ context.Context, username string, activeOnly bool) ([]leasestore.Lease, error) {
	query := bson.M{}
	if username != "" {
		query["username"] = username
	}
	if activeOnly {
		query["released_at"] = nil
	}
	return s.find(query, "-allocated_at", "-_id")
}

func (s *Store) find(query bson.M, sort ...string) ([]leasestore.Lease, error) {
	c, closer := s.collection(allocationsC)
	defer closer()
	var docs []allocationDoc
	if err := c.Find(query).Sort(sort...).All(&docs); err != nil {
		return nil, fmt.Errorf("leasestore/mongo: list leases: %w", err)
	}
	out := make([]leasestore.Lease, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromDoc(doc))
	}
	return out, nil
}

func (s *Store) AddNotification(_ context.Context, n *leasestore.Notification) error {
	if n.ID == "" {
		n.ID = uuidv7.NewString()
	}
	n.CreatedAt = leasestore.Normalize(n.CreatedAt)
	c, closer := s.collection(notificationsC)
	defer closer()
	doc := notificationDoc{DocID: n.ID, Username: n.Username, Message: n.Message, CreatedAt: n.CreatedAt, Read: n.Read}
	if err := c.Insert(doc); err != nil {
		return fmt.Errorf("leasestore/mongo: insert notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(_ context.Context, username string, unreadOnly bool) ([]leasestore.Notification, error) {
	c, closer := s.collection(notificationsC)
	defer closer()
	query := bson.M{"username": username}
	if unreadOnly {
		query["read"] = false
	}
	var docs []notificationDoc
	if err := c.Find(query).Sort("created_at", "_id").All(&docs); err != nil {
		return nil, fmt.Errorf("leasestore/mongo: list notifications: %w", err)
	}
	out := make([]leasestore.Notification, 0, len(docs))
	for _, doc := range docs {
		out = append(out, leasestore.Notification{
			ID:        doc.DocID,
			Username:  doc.Username,
			Message:   doc.Message,
			CreatedAt: doc.CreatedAt.UTC(),
			Read:      doc.Read,
		})
	}
	return out, nil
}

func (s *Store) MarkNotificationsRead(_ context.Context, username string) (int, error) {
	c, closer := s.collection(notificationsC)
	defer closer()
	info, err := c.UpdateAll(bson.M{"username": username, "read": false}, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return 0, fmt.Errorf("leasestore/mongo: mark notifications read: %w", err)
	}
	return info.Updated, nil
}

func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func toDoc(l leasestore.Lease) allocationDoc {
	return allocationDoc{
		DocID:       l.ID,
		Username:    l.Username,
		DeviceType:  l.DeviceType,
		DeviceID:    l.DeviceID,
		AllocatedAt: l.AllocatedAt,
		ExpiresAt:   l.ExpiresAt,
		ReleasedAt:  l.ReleasedAt,
		Comment:     l.Comment,
	}
}

func fromDoc(doc allocationDoc) leasestore.Lease {
	l := leasestore.Lease{
		ID:          doc.DocID,
		Username:    doc.Username,
		DeviceType:  doc.DeviceType,
		DeviceID:    doc.DeviceID,
		AllocatedAt: doc.AllocatedAt.UTC(),
		ExpiresAt:   doc.ExpiresAt.UTC(),
		Comment:     doc.Comment,
	}
	if doc.ReleasedAt != nil {
		released := doc.ReleasedAt.UTC()
		l.ReleasedAt = &released
	}
	return l
}

var _ leasestore.Store = (*Store)(nil)
