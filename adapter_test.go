package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter() (*SessionAdapter, *MemDB) {
	db := NewMemoryDB()
	return NewSessionAdapter(db, time.Second), db
}

func TestAdapterNormalizesEmail(t *testing.T) {
	a, _ := newTestAdapter()
	ctx := context.Background()

	u, err := a.CreateUser(ctx, User{Email: "  Grace@Example.COM "})
	require.NoError(t, err)
	assert.Equal(t, "grace@example.com", u.Email)
	assert.NotEmpty(t, u.ID)

	got, err := a.GetUserByEmail(ctx, "GRACE@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.ID, got.ID)

	_, err = a.CreateUser(ctx, User{Email: "grace@example.com"})
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.True(t, errors.Is(err, errConflict))
}

func TestAdapterUpdateUnknownUser(t *testing.T) {
	a, _ := newTestAdapter()
	_, err := a.UpdateUser(context.Background(), "missing", UserPatch{Name: strPtr("x")})
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestAdapterUpdateUserKeepsUnsetFields(t *testing.T) {
	a, _ := newTestAdapter()
	ctx := context.Background()
	u, err := a.CreateUser(ctx, User{Email: "keep@example.com", Name: strPtr("Keep")})
	require.NoError(t, err)

	updated, err := a.UpdateUser(ctx, u.ID, UserPatch{Image: strPtr("pic")})
	require.NoError(t, err)
	assert.Equal(t, "Keep", *updated.Name)
	assert.Equal(t, "pic", *updated.Image)
	assert.Equal(t, "keep@example.com", updated.Email)
}

func TestAdapterLinkAccount(t *testing.T) {
	a, _ := newTestAdapter()
	ctx := context.Background()
	alice, err := a.CreateUser(ctx, User{Email: "alice@example.com"})
	require.NoError(t, err)
	bob, err := a.CreateUser(ctx, User{Email: "bob@example.com"})
	require.NoError(t, err)

	acc := Account{UserID: alice.ID, Type: "oauth", Provider: "google", ProviderAccountID: "sub-1"}
	linked, err := a.LinkAccount(ctx, acc)
	require.NoError(t, err)
	assert.NotEmpty(t, linked.ID)

	// same user again is not an error
	_, err = a.LinkAccount(ctx, acc)
	require.NoError(t, err)

	acc.UserID = bob.ID
	_, err = a.LinkAccount(ctx, acc)
	var dl *DuplicateLinkError
	require.True(t, errors.As(err, &dl))
	assert.Equal(t, "account already associated with a different sign-in method", err.Error())

	owner, err := a.GetUserByAccount(ctx, "google", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, owner.ID)
}

func TestAdapterExpiredSessionIsAbsent(t *testing.T) {
	a, _ := newTestAdapter()
	ctx := context.Background()
	u, err := a.CreateUser(ctx, User{Email: "exp@example.com"})
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	s, err := a.CreateSession(ctx, u.ID, "credentials", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, s.SessionToken, 64)

	got, _, err := a.GetSessionAndUser(ctx, s.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, got)

	now = now.Add(2 * time.Minute)
	got, user, err := a.GetSessionAndUser(ctx, s.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, user)
}

func TestAdapterVerificationTokenConsumedOnce(t *testing.T) {
	a, _ := newTestAdapter()
	ctx := context.Background()
	_, err := a.CreateVerificationToken(ctx, VerificationToken{Identifier: "Once@Example.com", Token: "t", Expires: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	hits := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vt, err := a.UseVerificationToken(ctx, "once@example.com", "t")
			if err == nil && vt != nil {
				mu.Lock()
				hits++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, hits)
}

// blockingStore never answers user lookups before the context ends.
type blockingStore struct {
	Store
}

func (blockingStore) GetUser(ctx context.Context, id string) (*User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAdapterTimeoutIsStoreError(t *testing.T) {
	a := NewSessionAdapter(blockingStore{NewMemoryDB()}, 20*time.Millisecond)
	_, err := a.GetUser(context.Background(), "any")
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Timeout())
	assert.Equal(t, "getUser", se.Op)
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string]cachedSession
	getErr      error
	invalidated []string
	revoked     map[string]bool
	users       []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]cachedSession{}, revoked: map[string]bool{}}
}

func (f *fakeCache) Get(ctx context.Context, token string) (*Session, *User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, nil, f.getErr
	}
	cs, ok := f.entries[token]
	if !ok {
		return nil, nil, nil
	}
	return &cs.Session, &cs.User, nil
}

func (f *fakeCache) Put(ctx context.Context, s *Session, u *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revoked[s.SessionToken] {
		return nil
	}
	f.entries[s.SessionToken] = cachedSession{Session: *s, User: *u}
	return nil
}

func (f *fakeCache) Invalidate(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, token)
	f.invalidated = append(f.invalidated, token)
	return nil
}

func (f *fakeCache) Revoke(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, token)
	f.revoked[token] = true
	return nil
}

func (f *fakeCache) InvalidateUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, cs := range f.entries {
		if cs.User.ID == userID {
			delete(f.entries, k)
		}
	}
	f.users = append(f.users, userID)
	return nil
}

func TestAdapterSessionCache(t *testing.T) {
	a, _ := newTestAdapter()
	cache := newFakeCache()
	a.WithCache(cache)
	ctx := context.Background()

	u, err := a.CreateUser(ctx, User{Email: "cached@example.com"})
	require.NoError(t, err)
	s, err := a.CreateSession(ctx, u.ID, "email", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, _, err = a.GetSessionAndUser(ctx, s.SessionToken)
	require.NoError(t, err)
	assert.Contains(t, cache.entries, s.SessionToken)

	_, err = a.UpdateUser(ctx, u.ID, UserPatch{Name: strPtr("New")})
	require.NoError(t, err)
	assert.Equal(t, []string{u.ID}, cache.users)
	assert.NotContains(t, cache.entries, s.SessionToken)

	_, got, err := a.GetSessionAndUser(ctx, s.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "New", *got.Name)

	_, err = a.UpdateSession(ctx, s.SessionToken, time.Now().Add(2*time.Hour), "")
	require.NoError(t, err)
	assert.Contains(t, cache.invalidated, s.SessionToken)

	require.NoError(t, a.DeleteSession(ctx, s.SessionToken))
	assert.True(t, cache.revoked[s.SessionToken])
	sess, _, err := a.GetSessionAndUser(ctx, s.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

// pausingStore holds the first session read after the store has answered,
// until resume is closed.
type pausingStore struct {
	Store
	once     sync.Once
	answered chan struct{}
	resume   chan struct{}
}

func (p *pausingStore) GetSessionAndUser(ctx context.Context, token string) (*Session, *User, error) {
	s, u, err := p.Store.GetSessionAndUser(ctx, token)
	p.once.Do(func() {
		close(p.answered)
		<-p.resume
	})
	return s, u, err
}

func TestAdapterSignOutDuringCacheFill(t *testing.T) {
	store := &pausingStore{Store: NewMemoryDB(), answered: make(chan struct{}), resume: make(chan struct{})}
	a := NewSessionAdapter(store, 5*time.Second).WithCache(newFakeCache())
	ctx := context.Background()

	u, err := a.CreateUser(ctx, User{Email: "race@example.com"})
	require.NoError(t, err)
	s, err := a.CreateSession(ctx, u.ID, "email", time.Now().Add(time.Hour))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// saw the session before sign-out; it must not be cached afterwards
		_, _, _ = a.GetSessionAndUser(ctx, s.SessionToken)
	}()
	<-store.answered
	require.NoError(t, a.DeleteSession(ctx, s.SessionToken))
	close(store.resume)
	<-done

	got, user, err := a.GetSessionAndUser(ctx, s.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, got, "signed-out session read back from cache")
	assert.Nil(t, user)
}

func TestAdapterCacheFailureFallsThrough(t *testing.T) {
	a, _ := newTestAdapter()
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")
	a.WithCache(cache)
	ctx := context.Background()

	u, err := a.CreateUser(ctx, User{Email: "fallback@example.com"})
	require.NoError(t, err)
	s, err := a.CreateSession(ctx, u.ID, "email", time.Now().Add(time.Hour))
	require.NoError(t, err)

	got, user, err := a.GetSessionAndUser(ctx, s.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.ID, user.ID)
}

func TestAdapterDeleteUserCascades(t *testing.T) {
	a, _ := newTestAdapter()
	ctx := context.Background()
	u, err := a.CreateUser(ctx, User{Email: "cascade@example.com"})
	require.NoError(t, err)
	_, err = a.LinkAccount(ctx, Account{UserID: u.ID, Type: "oauth", Provider: "google", ProviderAccountID: "c-1"})
	require.NoError(t, err)
	s, err := a.CreateSession(ctx, u.ID, "google", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, a.DeleteUser(ctx, u.ID))

	owner, err := a.GetUserByAccount(ctx, "google", "c-1")
	require.NoError(t, err)
	assert.Nil(t, owner)
	sess, _, err := a.GetSessionAndUser(ctx, s.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, sess)
}
