package tradlet

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"trader/internal/domain"
	"trader/internal/store"
	"trader/internal/trade"
	"trader/internal/util"
)

// keeperHost is the keeper's view of its group. The keeper holds the group
// only through this interface.
type keeperHost interface {
	GroupID() string
	AccountID() string
	State() GroupState
	TradingDay() string
	playbookChanged(pb *Playbook, prev *PlaybookStateTuple)
	keeperChanged()
}

// CloseRequest asks a playbook to close.
type CloseRequest struct {
	ActionID string
	// Timeout in seconds after which a working close order is re-cancelled
	// and sent at any price. Zero keeps the playbook's own setting.
	Timeout int64
}

// Keeper tracks the playbooks and orders of one tradlet group. All methods
// run on the group's executor key.
type Keeper struct {
	host      keeperHost
	desk      Desk
	persister trade.Persister
	logger    *zap.Logger

	allOrders     []*domain.Order
	orderIndex    map[string]int
	pendingOrders []*domain.Order

	allPlaybooks    []*Playbook
	playbooks       map[string]*Playbook
	activePlaybooks []*Playbook

	templates map[string]domain.Attrs
}

func newKeeper(host keeperHost, desk Desk, persister trade.Persister, logger *zap.Logger) *Keeper {
	return &Keeper{
		host:       host,
		desk:       desk,
		persister:  persister,
		logger:     logger,
		orderIndex: make(map[string]int),
		playbooks:  make(map[string]*Playbook),
		templates:  make(map[string]domain.Attrs),
	}
}

// UpdateTemplates replaces the playbook templates. Each non-empty line is
// "<id>: key=value, key=value"; '#' starts a comment.
func (k *Keeper) UpdateTemplates(text string) error {
	templates, err := ParseTemplates(text)
	if err != nil {
		return err
	}
	k.templates = templates
	return nil
}

// Template returns the attributes of template id.
func (k *Keeper) Template(id string) (domain.Attrs, bool) {
	t, ok := k.templates[id]
	return t, ok
}

// ParseTemplates parses template definitions.
func ParseTemplates(text string) (map[string]domain.Attrs, error) {
	out := make(map[string]domain.Attrs)
	sc := bufio.NewScanner(strings.NewReader(text))
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sep := strings.IndexAny(line, ":=")
		if sep <= 0 {
			return nil, fmt.Errorf("template line %d: missing id", n)
		}
		id := strings.TrimSpace(line[:sep])
		attrs := make(domain.Attrs)
		for _, kv := range strings.Split(line[sep+1:], ",") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			key, value, ok := strings.Cut(kv, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return nil, fmt.Errorf("template line %d: bad parameter %q", n, kv)
			}
			attrs[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
		out[id] = attrs
	}
	return out, sc.Err()
}

// CreatePlaybook builds a playbook for tradletID and sends its opening
// order. The group must be Enabled. Template parameters are applied first,
// then the builder's attributes and fields. A playbook whose opening order
// fails is kept in state Failed and returned with the error.
func (k *Keeper) CreatePlaybook(ctx context.Context, tradletID string, b PlaybookBuilder) (*Playbook, error) {
	if st := k.host.State(); st != GroupEnabled {
		return nil, fmt.Errorf("group %s is %s: %w", k.host.GroupID(), st, domain.ErrTradletGroupNotEnabled)
	}
	attrs := make(domain.Attrs)
	if b.TemplateID != "" {
		tpl, ok := k.templates[b.TemplateID]
		if !ok {
			return nil, fmt.Errorf("unknown playbook template %q", b.TemplateID)
		}
		for key, v := range tpl {
			attrs[key] = v
		}
	}
	for key, v := range b.Attrs {
		attrs[key] = v
	}
	if b.StopLoss != 0 {
		attrs[AttrStopLoss] = b.StopLoss.String()
	}
	if b.TakeProfit != 0 {
		attrs[AttrTakeProfit] = b.TakeProfit.String()
	}
	for key, v := range map[string]int64{AttrOpenTimeout: b.OpenTimeout, AttrHoldTimeout: b.HoldTimeout, AttrCloseTimeout: b.CloseTimeout} {
		if v > 0 {
			attrs[key] = strconv.FormatInt(v, 10)
		}
	}

	pb := &Playbook{
		ID:            util.NewID(util.IDPrefixPlaybook),
		GroupID:       k.host.GroupID(),
		TradletID:     tradletID,
		AccountID:     k.host.AccountID(),
		TradingDay:    k.host.TradingDay(),
		Instrument:    b.Instrument,
		OpenDirection: b.OpenDirection,
		OpenPrice:     b.OpenPrice,
		OpenVolume:    b.OpenVolume,
		OpenPriceType: b.OpenPriceType,
		Attrs:         attrs,
	}
	if pb.OpenDirection == "" {
		pb.OpenDirection = domain.PosLong
	}
	if pb.OpenPriceType == "" {
		pb.OpenPriceType = domain.PriceTypeLimit
	}
	pb.StopLoss, _ = attrs.Price(AttrStopLoss)
	pb.TakeProfit, _ = attrs.Price(AttrTakeProfit)

	err := pb.open(ctx, k.desk)
	if err != nil {
		k.logger.Warn("open playbook",
			zap.String("playbook", pb.ID),
			zap.String("instrument", pb.Instrument.String()),
			zap.String("kind", domain.ErrorKind(err)),
			zap.Error(err))
	}
	k.allPlaybooks = append(k.allPlaybooks, pb)
	k.playbooks[pb.ID] = pb
	k.activePlaybooks = append(k.activePlaybooks, pb)
	if len(pb.OrderIDs) == 0 {
		k.persist(pb)
	}
	k.afterUpdate(pb, 0, nil)
	k.host.playbookChanged(pb, nil)
	return pb, err
}

// ClosePlaybook cancels the opening order of an Opening playbook or sends
// the close order of an Opened one. It reports whether anything was done.
func (k *Keeper) ClosePlaybook(ctx context.Context, pb *Playbook, req CloseRequest) (bool, error) {
	seen := len(pb.OrderIDs)
	var (
		prev *PlaybookStateTuple
		err  error
	)
	switch pb.State() {
	case PlaybookOpening:
		if err = pb.CancelOpeningOrder(k.desk); err != nil {
			return false, err
		}
	case PlaybookOpened:
		prev, err = pb.CloseOpenedOrder(ctx, k.desk, req.ActionID)
	default:
		return false, nil
	}
	if req.Timeout > 0 {
		pb.SetCloseTimeout(req.Timeout)
	}
	if req.Timeout > 0 && prev == nil {
		k.persist(pb)
	}
	k.afterUpdate(pb, seen, prev)
	return true, err
}

// CancelAllPendingOrders sends a cancel for every revocable pending order.
// Failures are logged and skipped.
func (k *Keeper) CancelAllPendingOrders() {
	for _, o := range append([]*domain.Order(nil), k.pendingOrders...) {
		if !o.State().IsRevocable() {
			continue
		}
		if err := k.desk.CancelOrder(o.ID); err != nil {
			k.logger.Warn("cancel pending order",
				zap.String("ref", o.Ref),
				zap.String("kind", domain.ErrorKind(err)),
				zap.Error(err))
		}
	}
}

// UpdateOnOrder applies an order snapshot from the account.
func (k *Keeper) UpdateOnOrder(ctx context.Context, o *domain.Order) {
	if _, fresh := k.updateOrder(o); !fresh {
		return
	}
	pb, ok := k.playbooks[o.Attr(domain.AttrPlaybookID)]
	if !ok {
		k.host.keeperChanged()
		return
	}
	seen := len(pb.OrderIDs)
	prev := pb.UpdateStateOnOrder(ctx, k.desk, o)
	k.afterUpdate(pb, seen, prev)
}

// UpdateOnTxn applies a fill. The order snapshot already contains it.
func (k *Keeper) UpdateOnTxn(ctx context.Context, o *domain.Order, txn domain.Transaction) {
	k.logger.Debug("fill",
		zap.String("ref", o.Ref),
		zap.String("price", txn.Price.String()),
		zap.Int64("volume", txn.Volume))
	k.UpdateOnOrder(ctx, o)
}

// UpdateOnTick offers a tick to every active playbook on its instrument.
func (k *Keeper) UpdateOnTick(ctx context.Context, t *domain.Tick) {
	for _, pb := range k.ActivePlaybooks(t.Instrument) {
		seen := len(pb.OrderIDs)
		prev := pb.UpdateStateOnTick(ctx, k.desk, t)
		k.afterUpdate(pb, seen, prev)
	}
}

// OnNoopSecond runs the playbook timeouts.
func (k *Keeper) OnNoopSecond(ctx context.Context) {
	for _, pb := range append([]*Playbook(nil), k.activePlaybooks...) {
		seen := len(pb.OrderIDs)
		escalated := pb.Escalated
		prev := pb.UpdateStateOnNoop(ctx, k.desk)
		if pb.Escalated != escalated {
			k.persist(pb)
		}
		k.afterUpdate(pb, seen, prev)
	}
}

// afterUpdate records orders the playbook added since seen, retires a done
// playbook, persists a change and notifies the group.
func (k *Keeper) afterUpdate(pb *Playbook, seen int, prev *PlaybookStateTuple) {
	added := len(pb.OrderIDs) > seen
	for _, id := range pb.OrderIDs[seen:] {
		if o, ok := pb.orders[id]; ok {
			k.updateOrder(o)
		}
	}
	if pb.State().IsDone() {
		k.deactivate(pb)
	}
	if prev != nil || added {
		k.persist(pb)
	}
	if prev != nil {
		k.logger.Info("playbook state changed",
			zap.String("playbook", pb.ID),
			zap.String("from", string(prev.State)),
			zap.String("to", string(pb.State())),
			zap.String("action", pb.StateTuple.Action))
		k.host.playbookChanged(pb, prev)
	}
	k.host.keeperChanged()
}

// updateOrder stores the latest snapshot of an order of this group. It
// reports whether the order belongs to the group and whether the snapshot
// was newer than the one stored.
func (k *Keeper) updateOrder(o *domain.Order) (ours, fresh bool) {
	if i, ok := k.orderIndex[o.ID]; ok {
		cur := k.allOrders[i]
		if (cur.State().IsDone() && !o.State().IsDone()) || o.FilledVolume < cur.FilledVolume ||
			o.StateTuple.Timestamp < cur.StateTuple.Timestamp {
			return true, false
		}
		k.allOrders[i] = o
		k.replacePending(o)
		return true, true
	}
	if o.Attr(domain.AttrGroupID) != k.host.GroupID() {
		return false, false
	}
	k.orderIndex[o.ID] = len(k.allOrders)
	k.allOrders = append(k.allOrders, o)
	if !o.State().IsDone() {
		k.pendingOrders = append(k.pendingOrders, o)
	}
	return true, true
}

func (k *Keeper) replacePending(o *domain.Order) {
	for i, p := range k.pendingOrders {
		if p.ID != o.ID {
			continue
		}
		if o.State().IsDone() {
			k.pendingOrders = append(k.pendingOrders[:i], k.pendingOrders[i+1:]...)
		} else {
			k.pendingOrders[i] = o
		}
		return
	}
}

func (k *Keeper) deactivate(pb *Playbook) {
	for i, p := range k.activePlaybooks {
		if p == pb {
			k.activePlaybooks = append(k.activePlaybooks[:i], k.activePlaybooks[i+1:]...)
			return
		}
	}
}

func (k *Keeper) persist(pb *Playbook) {
	if k.persister == nil {
		return
	}
	k.persister.Put(store.KindPlaybook, pb.ID, map[string]string{
		"tradingDay": pb.TradingDay,
		"groupId":    pb.GroupID,
		"accountId":  pb.AccountID,
	}, pb.Clone())
}

// Restore reinstates the group's playbooks saved for tradingDay. Orders are
// the account's orders of the day; those of the group are tracked again and
// attached to their playbooks.
func (k *Keeper) Restore(ctx context.Context, repo store.Repository, tradingDay string, orders []*domain.Order) error {
	recs, err := repo.Search(ctx, store.KindPlaybook, store.Where("tradingDay", tradingDay).And("groupId", k.host.GroupID()))
	if err != nil {
		return fmt.Errorf("%w: restore playbooks: %v", domain.ErrPersistence, err)
	}
	for _, rec := range recs {
		pb := new(Playbook)
		if err := rec.Decode(pb); err != nil {
			return fmt.Errorf("%w: playbook %s: %v", domain.ErrPersistence, rec.ID, err)
		}
		if _, dup := k.playbooks[pb.ID]; dup {
			continue
		}
		k.allPlaybooks = append(k.allPlaybooks, pb)
		k.playbooks[pb.ID] = pb
		if !pb.State().IsDone() {
			k.activePlaybooks = append(k.activePlaybooks, pb)
		}
	}
	for _, o := range orders {
		if ours, _ := k.updateOrder(o); !ours {
			continue
		}
		if pb, ok := k.playbooks[o.Attr(domain.AttrPlaybookID)]; ok {
			pb.trackOrder(o)
		}
	}
	k.logger.Info("playbooks restored",
		zap.String("tradingDay", tradingDay),
		zap.Int("playbooks", len(k.allPlaybooks)),
		zap.Int("active", len(k.activePlaybooks)),
		zap.Int("orders", len(k.allOrders)))
	return nil
}

// AllOrders returns the group's orders in creation order.
func (k *Keeper) AllOrders() []*domain.Order {
	return append([]*domain.Order(nil), k.allOrders...)
}

// PendingOrders returns the group's orders not yet done.
func (k *Keeper) PendingOrders() []*domain.Order {
	return append([]*domain.Order(nil), k.pendingOrders...)
}

// LastOrder returns the most recently created order.
func (k *Keeper) LastOrder() (*domain.Order, bool) {
	if len(k.allOrders) == 0 {
		return nil, false
	}
	return k.allOrders[len(k.allOrders)-1], true
}

// LastPendingOrder returns the most recently created pending order.
func (k *Keeper) LastPendingOrder() (*domain.Order, bool) {
	if len(k.pendingOrders) == 0 {
		return nil, false
	}
	return k.pendingOrders[len(k.pendingOrders)-1], true
}

// AllPlaybooks returns every playbook in creation order.
func (k *Keeper) AllPlaybooks() []*Playbook {
	return append([]*Playbook(nil), k.allPlaybooks...)
}

// ActivePlaybooks returns the playbooks not yet done on inst, or on every
// instrument when inst is zero.
func (k *Keeper) ActivePlaybooks(inst domain.Instrument) []*Playbook {
	var out []*Playbook
	for _, pb := range k.activePlaybooks {
		if inst.IsZero() || pb.Instrument == inst {
			out = append(out, pb)
		}
	}
	return out
}

// Playbook returns the playbook with id.
func (k *Keeper) Playbook(id string) (*Playbook, bool) {
	pb, ok := k.playbooks[id]
	return pb, ok
}
