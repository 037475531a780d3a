package trade

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trader/internal/broker"
	"trader/internal/bus"
	"trader/internal/domain"
	"trader/internal/mtime"
	"trader/internal/util"
)

// ConnState is the connection state of a transaction session.
type ConnState string

const (
	ConnDisconnected  ConnState = "Disconnected"
	ConnConnecting    ConnState = "Connecting"
	ConnAuthenticated ConnState = "Authenticated"
	ConnConnected     ConnState = "Connected"
	ConnConnectFailed ConnState = "ConnectFailed"
)

// OrderStateTracker applies the state changes a session makes while it
// submits or cancels an order. The account implements it; the session never
// holds a reference to its account. Sessions are handed snapshots and the
// tracker resolves them by order id.
type OrderStateTracker interface {
	ChangeOrderState(o *domain.Order, next domain.StateTuple)
	RestoreWorkingState(o *domain.Order)
}

// EventSink receives material broker events for an account. It is invoked
// on the account's executor key.
type EventSink func(accountID string, ev broker.Event)

// TxnSession is what an account needs from its broker connection. The live
// Session and the simulator's matching session both implement it.
type TxnSession interface {
	AccountID() string
	State() ConnState
	OnStateChange(fn func(prev, next ConnState))
	Connect() error
	WaitState(ctx context.Context, want ...ConnState) error
	TradingDay() time.Time
	SessionIDs() (frontID, sessionID int)
	MaxOrderRef() int64

	SyncConfirmSettlement(ctx context.Context) (string, error)
	SyncQueryAccount(ctx context.Context) (domain.AccountMoney, error)
	SyncLoadFeeEvaluator(ctx context.Context, subscriptions []domain.Instrument) (*domain.FeeTable, error)
	SyncQueryPositions(ctx context.Context) ([]*domain.Position, error)
	SyncQueryOrders(ctx context.Context) ([]broker.OrderField, []broker.TradeField, error)

	SubmitOrder(o *domain.Order, tracker OrderStateTracker) error
	CancelOrder(o *domain.Order, tracker OrderStateTracker) error
	Close() error
}

// SessionConfig holds the credentials and tuning of one session.
type SessionConfig struct {
	AccountID              string
	BrokerID               string
	UserID                 string
	Password               string
	AppID                  string
	AuthCode               string
	FrontURL               string
	SyncTimeout            time.Duration
	ConfirmEmptySettlement bool
	// QueriesPerSecond throttles synchronous queries; zero disables.
	QueriesPerSecond int
	// MaxClockSkew is the tolerated distance between the login reply time and
	// the local market clock; zero means one second.
	MaxClockSkew time.Duration
}

// exchangeClock is implemented by market clocks that accept the exchange
// time seen at login.
type exchangeClock interface {
	SyncExchangeTime(exchange time.Time) time.Duration
}

// Compile-time interface check.
var _ TxnSession = (*Session)(nil)

// Session is the live transaction session of one account. Broker callbacks
// arrive on the API's goroutine; material events are republished on the
// executor under the account key so they are applied in arrival order.
type Session struct {
	cfg      SessionConfig
	api      broker.API
	exec     bus.Executor
	clock    mtime.Service
	sink     EventSink
	registry *domain.Registry
	limiter  *util.RateLimiter
	logger   *zap.Logger

	mu          sync.Mutex
	state       ConnState
	changed     chan struct{}
	lastErr     error
	opened      bool
	frontID     int
	sessionID   int
	tradingDay  time.Time
	maxOrderRef int64
	ownSessions map[[2]int]bool
	listeners   []func(prev, next ConnState)
	posMargins  map[domain.Instrument]marginPair
}

type marginPair struct {
	broker, exchange float64
}

// NewSession creates a disconnected session.
func NewSession(cfg SessionConfig, api broker.API, exec bus.Executor, clock mtime.Service,
	registry *domain.Registry, sink EventSink, logger *zap.Logger) *Session {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = time.Second
	}
	if registry == nil {
		registry = domain.NewRegistry()
	}
	s := &Session{
		cfg:         cfg,
		api:         api,
		exec:        exec,
		clock:       clock,
		sink:        sink,
		registry:    registry,
		logger:      logger.With(zap.String("account", cfg.AccountID)),
		state:       ConnDisconnected,
		changed:     make(chan struct{}),
		ownSessions: make(map[[2]int]bool),
		posMargins:  make(map[domain.Instrument]marginPair),
	}
	if cfg.QueriesPerSecond > 0 {
		s.limiter = util.NewRateLimiter(cfg.QueriesPerSecond, 1)
	}
	return s
}

func (s *Session) AccountID() string { return s.cfg.AccountID }

// State returns the current connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers fn to be called after every state change. It is
// called on the broker callback goroutine.
func (s *Session) OnStateChange(fn func(prev, next ConnState)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// TradingDay returns the trading day reported at login, or the market
// clock's trading day before the first login.
func (s *Session) TradingDay() time.Time {
	s.mu.Lock()
	td := s.tradingDay
	s.mu.Unlock()
	if td.IsZero() {
		return s.clock.TradingDay()
	}
	return td
}

// SessionIDs returns the front and session ids assigned at login.
func (s *Session) SessionIDs() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontID, s.sessionID
}

// MaxOrderRef returns the largest order ref the broker had seen at login.
func (s *Session) MaxOrderRef() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOrderRef
}

// Connect starts connecting. It returns immediately; use WaitState to block
// until the session is Connected. Calling Connect on a session that is
// already connecting or connected does nothing.
func (s *Session) Connect() error {
	s.mu.Lock()
	switch s.state {
	case ConnConnecting, ConnAuthenticated, ConnConnected:
		s.mu.Unlock()
		return nil
	}
	reopen := s.opened
	s.opened = true
	s.lastErr = nil
	s.mu.Unlock()

	if reopen {
		if err := s.api.Close(); err != nil {
			s.logger.Warn("close before reconnect", zap.Error(err))
		}
	}
	s.setState(ConnConnecting)
	s.api.SetHandler(s.onEvent)
	s.api.SetFlowControl(true)
	if err := s.api.Connect(s.cfg.FrontURL); err != nil {
		err = fmt.Errorf("connect %s: %v: %w", s.cfg.FrontURL, err, domain.ErrConnectionFailed)
		s.fail(err)
		return err
	}
	return nil
}

// WaitState blocks until the session reaches one of want. It returns the
// recorded failure when the session lands in ConnectFailed and that state
// was not asked for.
func (s *Session) WaitState(ctx context.Context, want ...ConnState) error {
	for {
		s.mu.Lock()
		state, ch, lastErr := s.state, s.changed, s.lastErr
		s.mu.Unlock()
		for _, w := range want {
			if state == w {
				return nil
			}
		}
		if state == ConnConnectFailed {
			if lastErr == nil {
				lastErr = domain.ErrConnectionFailed
			}
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Close disconnects from the broker.
func (s *Session) Close() error {
	err := s.api.Close()
	s.setState(ConnDisconnected)
	return err
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitOrder sends an insert request for o. The tracker sees Submitting
// before the request and Submitted after it; on a send error the order is
// Failed and ErrSendOrderFailed is returned.
func (s *Session) SubmitOrder(o *domain.Order, tracker OrderStateTracker) error {
	tracker.ChangeOrderState(o, domain.NewStateTuple(domain.OrderStateSubmitting, domain.SubmitStateInsertSubmitting, s.clock.Now()))
	req := broker.InputOrder{
		BrokerID:            s.cfg.BrokerID,
		InvestorID:          s.cfg.UserID,
		InstrumentID:        o.Instrument.Symbol,
		ExchangeID:          string(o.Instrument.Exchange),
		OrderRef:            o.Ref,
		Direction:           wireDirection(o.Direction),
		CombOffsetFlag:      wireOffset(o.Offset),
		OrderPriceType:      wirePriceType(o.PriceType),
		VolumeCondition:     wireVolumeCondition(o.VolumeCondition),
		TimeCondition:       broker.TimeConditionGFD,
		LimitPrice:          o.LimitPrice.Float(),
		VolumeTotalOriginal: int(o.Volume),
		MinVolume:           1,
	}
	if o.PriceType != domain.PriceTypeLimit {
		req.TimeCondition = broker.TimeConditionIOC
		req.LimitPrice = 0
	}
	if err := s.api.ReqOrderInsert(req); err != nil {
		tracker.ChangeOrderState(o, domain.NewStateTuple(domain.OrderStateFailed, domain.SubmitStateIdle, s.clock.Now()))
		return fmt.Errorf("order %s: %v: %w", o.Ref, err, domain.ErrSendOrderFailed)
	}
	tracker.ChangeOrderState(o, domain.NewStateTuple(domain.OrderStateSubmitted, domain.SubmitStateInsertSubmitting, s.clock.Now()))
	return nil
}

// CancelOrder sends a cancel request for o. On a send error the order goes
// back to its working state and ErrCancelOrderFailed is returned.
func (s *Session) CancelOrder(o *domain.Order, tracker OrderStateTracker) error {
	tracker.ChangeOrderState(o, domain.NewStateTuple(domain.OrderStateCancelling, domain.SubmitStateCancelSubmitting, s.clock.Now()))
	frontID, sessionID := o.FrontID, o.SessionID
	if frontID == 0 && sessionID == 0 {
		frontID, sessionID = s.SessionIDs()
	}
	req := broker.InputOrderAction{
		BrokerID:     s.cfg.BrokerID,
		InvestorID:   s.cfg.UserID,
		InstrumentID: o.Instrument.Symbol,
		ExchangeID:   string(o.Instrument.Exchange),
		OrderRef:     o.Ref,
		OrderSysID:   o.SysID,
		FrontID:      frontID,
		SessionID:    sessionID,
		ActionFlag:   broker.ActionFlagDelete,
	}
	if err := s.api.ReqOrderAction(req); err != nil {
		tracker.RestoreWorkingState(o)
		return fmt.Errorf("order %s: %v: %w", o.Ref, err, domain.ErrCancelOrderFailed)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

func (s *Session) onEvent(ev broker.Event) {
	switch ev.Kind {
	case broker.EventFrontConnected:
		s.onFrontConnected()
	case broker.EventFrontDisconnected:
		s.onFrontDisconnected(ev.Reason)
	case broker.EventRspAuthenticate:
		s.onRspAuthenticate(ev.RspInfo)
	case broker.EventRspUserLogin:
		s.onRspUserLogin(ev.Login, ev.RspInfo)
	case broker.EventRtnOrder:
		if ev.Order == nil || !s.ownSession(ev.Order.FrontID, ev.Order.SessionID) {
			s.logger.Debug("ignore order return from another session")
			return
		}
		s.publish(ev)
	case broker.EventErrRtnOrderAction:
		if ev.Action != nil && !s.ownSession(ev.Action.FrontID, ev.Action.SessionID) {
			s.logger.Debug("ignore action error from another session")
			return
		}
		s.publish(ev)
	case broker.EventRspError:
		s.logger.Warn("broker error", zap.Int("code", errorID(ev.RspInfo)), zap.String("msg", errorMsg(ev.RspInfo)))
	case broker.EventHeartBeatWarning:
		s.logger.Warn("heartbeat warning", zap.Int("elapsed", ev.Reason))
	default:
		if ev.Kind.Material() {
			s.publish(ev)
		}
	}
}

func (s *Session) publish(ev broker.Event) {
	id := s.cfg.AccountID
	if err := s.exec.Execute(bus.AccountKey(id), func() { s.sink(id, ev) }); err != nil {
		s.logger.Error("drop broker event", zap.Stringer("event", ev.Kind), zap.Error(err))
	}
}

// ownSession reports whether a return belongs to a login of this session,
// the current one or one before a reconnect. Other clients logged into the
// same account are ignored.
func (s *Session) ownSession(frontID, sessionID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownSessions[[2]int{frontID, sessionID}]
}

func (s *Session) onFrontConnected() {
	s.setState(ConnConnecting)
	if s.cfg.AuthCode != "" {
		err := s.api.ReqAuthenticate(broker.ReqAuthenticate{
			BrokerID: s.cfg.BrokerID,
			UserID:   s.cfg.UserID,
			AppID:    s.cfg.AppID,
			AuthCode: s.cfg.AuthCode,
		})
		if err != nil {
			s.fail(fmt.Errorf("authenticate: %v: %w", err, domain.ErrAuthFailed))
		}
		return
	}
	s.login()
}

func (s *Session) onRspAuthenticate(info *broker.RspInfo) {
	if info.Failed() {
		s.fail(fmt.Errorf("authenticate: %d %s: %w", info.ErrorID, info.ErrorMsg, domain.ErrAuthFailed))
		return
	}
	s.setState(ConnAuthenticated)
	s.login()
}

func (s *Session) login() {
	err := s.api.ReqUserLogin(broker.ReqUserLogin{
		BrokerID: s.cfg.BrokerID,
		UserID:   s.cfg.UserID,
		Password: s.cfg.Password,
	})
	if err != nil {
		s.fail(fmt.Errorf("login: %v: %w", err, domain.ErrLoginFailed))
	}
}

func (s *Session) onRspUserLogin(login *broker.RspUserLogin, info *broker.RspInfo) {
	if info.Failed() || login == nil {
		s.fail(fmt.Errorf("login: %d %s: %w", errorID(info), errorMsg(info), domain.ErrLoginFailed))
		return
	}
	loc := s.clock.Now().Location()
	td, err := domain.ParseDay(login.TradingDay, loc)
	if err != nil {
		s.fail(fmt.Errorf("login: trading day %q: %w", login.TradingDay, domain.ErrLoginFailed))
		return
	}
	if err := s.checkClock(login.LoginTime); err != nil {
		s.fail(err)
		return
	}
	maxRef, _ := strconv.ParseInt(strings.TrimSpace(login.MaxOrderRef), 10, 64)

	s.mu.Lock()
	s.frontID = login.FrontID
	s.sessionID = login.SessionID
	s.tradingDay = td
	s.maxOrderRef = maxRef
	s.ownSessions[[2]int{login.FrontID, login.SessionID}] = true
	s.mu.Unlock()

	s.logger.Info("logged in",
		zap.String("tradingDay", login.TradingDay),
		zap.Int("frontId", login.FrontID),
		zap.Int("sessionId", login.SessionID),
		zap.Int64("maxOrderRef", maxRef))
	s.setState(ConnConnected)
}

// checkClock compares the login reply time with the market clock at second
// resolution.
func (s *Session) checkClock(loginTime string) error {
	now := s.clock.Now()
	hms, err := time.ParseInLocation("15:04:05", strings.TrimSpace(loginTime), now.Location())
	if err != nil {
		s.logger.Warn("unparsable login time", zap.String("loginTime", loginTime))
		return nil
	}
	local := now.Truncate(time.Second)
	exch := time.Date(now.Year(), now.Month(), now.Day(), hms.Hour(), hms.Minute(), hms.Second(), 0, now.Location())
	skew := exch.Sub(local)
	switch {
	case skew > 12*time.Hour:
		exch = exch.AddDate(0, 0, -1)
	case skew < -12*time.Hour:
		exch = exch.AddDate(0, 0, 1)
	}
	skew = exch.Sub(local)
	if skew > s.cfg.MaxClockSkew || skew < -s.cfg.MaxClockSkew {
		return fmt.Errorf("login time %s is %v from local %s: %w",
			loginTime, skew, local.Format("15:04:05"), domain.ErrClockSkew)
	}
	if c, ok := s.clock.(exchangeClock); ok {
		c.SyncExchangeTime(exch)
	}
	return nil
}

func (s *Session) onFrontDisconnected(reason int) {
	s.mu.Lock()
	prev := s.state
	s.mu.Unlock()
	s.logger.Warn("front disconnected", zap.Int("reason", reason), zap.String("state", string(prev)))
	switch prev {
	case ConnConnecting, ConnAuthenticated:
		s.fail(fmt.Errorf("front disconnected, reason %d: %w", reason, domain.ErrConnectionFailed))
	case ConnConnected:
		s.setState(ConnDisconnected)
	}
}

func (s *Session) fail(err error) {
	s.logger.Error("session failed", zap.String("kind", domain.ErrorKind(err)), zap.Error(err))
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(ConnConnectFailed)
}

func (s *Session) setState(next ConnState) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	listeners := append([]func(prev, next ConnState){}, s.listeners...)
	s.mu.Unlock()

	s.logger.Info("session state", zap.String("from", string(prev)), zap.String("to", string(next)))
	for _, fn := range listeners {
		fn(prev, next)
	}
}

// ---------------------------------------------------------------------------
// Sync helper
// ---------------------------------------------------------------------------

// syncCall runs fn on its own goroutine and waits at most the configured
// timeout. A call that outlives the timeout is abandoned; its result is
// discarded.
func syncCall[T any](ctx context.Context, s *Session, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return zero, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return zero, fmt.Errorf("%s: %w", op, r.err)
		}
		return r.v, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s after %v: %w", op, s.cfg.SyncTimeout, domain.ErrBrokerTimeout)
		}
		return zero, ctx.Err()
	}
}

func errorID(info *broker.RspInfo) int {
	if info == nil {
		return 0
	}
	return info.ErrorID
}

func errorMsg(info *broker.RspInfo) string {
	if info == nil {
		return ""
	}
	return info.ErrorMsg
}
