package application

import (
	"sync"
	"time"

	"github.com/bnema/lattice/internal/domain"
)

type ChangeReason string

const (
	ChangeAuthState    ChangeReason = "auth_state"
	ChangeLoginError   ChangeReason = "login_error"
	ChangeBackupStatus ChangeReason = "backup_status"
	ChangeSync         ChangeReason = "sync"
	ChangeLoginState   ChangeReason = "login_state"
	ChangeReset        ChangeReason = "reset"
)

// Snapshot is a consistent copy of the observable session state.
type Snapshot struct {
	Account      domain.AccountName
	State        domain.AuthState
	UserID       string
	Homeserver   string
	DeviceID     string
	LoginError   string
	BackupStatus domain.BackupStatus
	FirstSynced  bool
	SyncCount    int
	NextBatch    string
	LastSyncAt   time.Time
}

func (s Snapshot) IsLoggedIn() bool {
	return s.State.LoggedIn()
}

type Change struct {
	Reason   ChangeReason
	Snapshot Snapshot
}

const subscriberBuffer = 32

// sessionState is the state shared by the coordinator components. Every
// mutation publishes a Change; subscribers that fall behind lose changes
// instead of blocking the publisher.
type sessionState struct {
	mu          sync.Mutex
	snap        Snapshot
	subscribers map[int]chan Change
	nextID      int
	emitter     eventEmitter
}

func newSessionState(account domain.AccountName, emitter eventEmitter) *sessionState {
	return &sessionState{
		snap:        Snapshot{Account: account},
		subscribers: make(map[int]chan Change),
		emitter:     emitter,
	}
}

func (s *sessionState) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *sessionState) authState() domain.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.State
}

func (s *sessionState) loggedIn() bool {
	return s.authState().LoggedIn()
}

func (s *sessionState) update(reason ChangeReason, mutate func(*Snapshot)) {
	s.mu.Lock()
	before := s.snap.State
	mutate(&s.snap)
	change := Change{Reason: reason, Snapshot: s.snap}
	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
	s.mu.Unlock()

	if change.Snapshot.State != before {
		s.emitter.emit(Event{Kind: EventStateChanged, State: change.Snapshot.State})
	}
}

func (s *sessionState) setAuthState(state domain.AuthState) {
	s.update(ChangeAuthState, func(snap *Snapshot) { snap.State = state })
}

func (s *sessionState) setLoginError(err error) {
	s.update(ChangeLoginError, func(snap *Snapshot) { snap.LoginError = domain.DescribeError(err) })
}

func (s *sessionState) setBackupStatus(status domain.BackupStatus) {
	s.update(ChangeBackupStatus, func(snap *Snapshot) { snap.BackupStatus = status })
}

func (s *sessionState) setSession(state domain.AuthState, session domain.Session) {
	s.update(ChangeAuthState, func(snap *Snapshot) {
		snap.State = state
		snap.UserID = session.UserID
		snap.Homeserver = session.Homeserver
		snap.DeviceID = session.DeviceID
		snap.LoginError = ""
	})
}

func (s *sessionState) recordSync(update domain.SyncUpdate, at time.Time) {
	s.update(ChangeSync, func(snap *Snapshot) {
		snap.FirstSynced = true
		snap.SyncCount++
		snap.NextBatch = update.NextBatch
		snap.LastSyncAt = at
	})
}

func (s *sessionState) touch(reason ChangeReason) {
	s.update(reason, func(*Snapshot) {})
}

// reset returns to the logged-out state. The login error survives so the UI
// can still explain why the session ended.
func (s *sessionState) reset(loginErr error) {
	s.update(ChangeReset, func(snap *Snapshot) {
		*snap = Snapshot{Account: snap.Account, LoginError: domain.DescribeError(loginErr)}
	})
}

func (s *sessionState) subscribe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Change, subscriberBuffer)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub)
			}
		})
	}
}

func (s *sessionState) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}
