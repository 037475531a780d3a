// Package broker defines the wire-level trading API consumed by the
// transaction session: request and reply fields named after the vendor
// native API, the tagged Event variant carrying asynchronous callbacks, and
// a registry of API providers.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"trader/internal/config"
)

// Handler receives asynchronous callbacks in the order the API emits them.
type Handler func(Event)

// API is one connection to a broker front for a single account.
type API interface {
	SetHandler(h Handler)
	SetFlowControl(enabled bool)

	// Connect starts connecting; EventFrontConnected or
	// EventFrontDisconnected follows.
	Connect(frontURL string) error
	Close() error

	// Login flow; replies arrive as events.
	ReqAuthenticate(req ReqAuthenticate) error
	ReqUserLogin(req ReqUserLogin) error

	// Synchronous queries.
	QrySettlementInfoConfirm(ctx context.Context) (*SettlementInfoConfirm, error)
	QrySettlementInfo(ctx context.Context, tradingDay string) ([]SettlementInfo, error)
	ReqSettlementInfoConfirm(ctx context.Context) (*SettlementInfoConfirm, error)
	QryInstruments(ctx context.Context) ([]InstrumentField, error)
	QryMarginRate(ctx context.Context, instrumentID string) (*MarginRate, error)
	QryCommissionRate(ctx context.Context, instrumentID string) (*CommissionRate, error)
	QryTradingAccount(ctx context.Context) (*TradingAccount, error)
	QryInvestorPositions(ctx context.Context) ([]InvestorPosition, error)
	QryPositionDetails(ctx context.Context) ([]PositionDetail, error)
	QryOrders(ctx context.Context) ([]OrderField, error)
	QryTrades(ctx context.Context) ([]TradeField, error)

	// Order requests; results arrive as events.
	ReqOrderInsert(req InputOrder) error
	ReqOrderAction(req InputOrderAction) error
}

// Factory opens an API for an account.
type Factory func(cfg config.AccountConfig, logger *zap.Logger) (API, error)

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Factory)
)

// Register makes a provider available by name. It panics on duplicates.
func Register(name string, f Factory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if _, dup := providers[name]; dup {
		panic("broker: Register called twice for provider " + name)
	}
	providers[name] = f
}

// Open creates an API using the account's provider.
func Open(cfg config.AccountConfig, logger *zap.Logger) (API, error) {
	providersMu.RLock()
	f, ok := providers[cfg.Provider]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("broker: provider %q not registered (have %v)", cfg.Provider, Providers())
	}
	return f(cfg, logger)
}

// Providers lists registered provider names.
func Providers() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
