package service

import (
	"fmt"

	"delivery-order-service/internal/models"
)

// ActorRole is the party requesting a status change
type ActorRole string

const (
	RoleBuyer  ActorRole = "buyer"
	RoleSeller ActorRole = "seller"
	RoleDriver ActorRole = "driver"
	RoleSystem ActorRole = "system"
)

// Valid reports whether r is a known role
func (r ActorRole) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleDriver, RoleSystem:
		return true
	}
	return false
}

// Actor identifies who requests a status change
type Actor struct {
	ID   int64
	Role ActorRole
}

// StockEffect is the ledger change a transition triggers
type StockEffect int

const (
	StockNone StockEffect = iota
	StockSale
	StockRestore
)

// Recipient selects who is notified of a transition
type Recipient int

const (
	NotifyBuyer Recipient = iota
	NotifySeller
	NotifyDriver
	NotifyAvailableDrivers
)

// deliveryScope limits an edge to delivery or non-delivery orders
type deliveryScope int

const (
	anyDelivery deliveryScope = iota
	deliveryOnly
	withoutDelivery
)

// Transition is one edge of the order lifecycle
type Transition struct {
	From         models.OrderStatus
	To           models.OrderStatus
	Actors       []ActorRole
	Stock        StockEffect
	Notification string
	Recipients   []Recipient
	scope        deliveryScope
}

type edge struct {
	from, to models.OrderStatus
}

var transitions = map[edge]Transition{}

func init() {
	for _, t := range []Transition{
		{
			From: models.OrderStatusPending, To: models.OrderStatusAccepted,
			Actors: []ActorRole{RoleSeller}, Stock: StockSale,
			Notification: models.NotificationOrderAccepted, Recipients: []Recipient{NotifyBuyer},
		},
		{
			From: models.OrderStatusPending, To: models.OrderStatusRejected,
			Actors:       []ActorRole{RoleSeller},
			Notification: models.NotificationOrderRejected, Recipients: []Recipient{NotifyBuyer},
		},
		{
			From: models.OrderStatusPending, To: models.OrderStatusCancelled,
			Actors:       []ActorRole{RoleBuyer},
			Notification: models.NotificationOrderCancelled, Recipients: []Recipient{NotifySeller},
		},
		{
			From: models.OrderStatusAccepted, To: models.OrderStatusReady,
			Actors:       []ActorRole{RoleSeller},
			Notification: models.NotificationOrderReady, Recipients: []Recipient{NotifyBuyer, NotifyAvailableDrivers},
		},
		{
			From: models.OrderStatusAccepted, To: models.OrderStatusCancelled,
			Actors: []ActorRole{RoleBuyer, RoleSeller}, Stock: StockRestore,
			Notification: models.NotificationOrderCancelled, Recipients: []Recipient{NotifyBuyer, NotifySeller},
		},
		{
			From: models.OrderStatusReady, To: models.OrderStatusCancelled,
			Actors: []ActorRole{RoleBuyer, RoleSeller}, Stock: StockRestore,
			Notification: models.NotificationOrderCancelled, Recipients: []Recipient{NotifyBuyer, NotifySeller},
		},
		{
			From: models.OrderStatusReady, To: models.OrderStatusAssigned,
			Actors:       []ActorRole{RoleDriver, RoleSystem},
			Notification: models.NotificationDriverAssigned, Recipients: []Recipient{NotifyBuyer, NotifyDriver},
			scope: deliveryOnly,
		},
		{
			From: models.OrderStatusReady, To: models.OrderStatusDelivered,
			Actors:       []ActorRole{RoleSeller},
			Notification: models.NotificationOrderDelivered, Recipients: []Recipient{NotifyBuyer},
			scope: withoutDelivery,
		},
		{
			From: models.OrderStatusAssigned, To: models.OrderStatusPickedUp,
			Actors:       []ActorRole{RoleDriver},
			Notification: models.NotificationOrderPickedUp, Recipients: []Recipient{NotifyBuyer},
			scope: deliveryOnly,
		},
		{
			From: models.OrderStatusPickedUp, To: models.OrderStatusInTransit,
			Actors:       []ActorRole{RoleDriver},
			Notification: models.NotificationOrderInTransit, Recipients: []Recipient{NotifyBuyer},
			scope: deliveryOnly,
		},
		{
			From: models.OrderStatusInTransit, To: models.OrderStatusDelivered,
			Actors:       []ActorRole{RoleDriver},
			Notification: models.NotificationOrderDelivered, Recipients: []Recipient{NotifyBuyer, NotifySeller},
			scope: deliveryOnly,
		},
		{
			From: models.OrderStatusDelivered, To: models.OrderStatusCompleted,
			Actors:       []ActorRole{RoleBuyer, RoleSeller, RoleSystem},
			Notification: models.NotificationOrderCompleted, Recipients: []Recipient{NotifyBuyer, NotifySeller},
		},
	} {
		transitions[edge{t.From, t.To}] = t
	}
}

// LookupTransition returns the edge from -> to, if the lifecycle has one
func LookupTransition(from, to models.OrderStatus) (Transition, bool) {
	t, ok := transitions[edge{from, to}]
	return t, ok
}

// NextStatuses lists the statuses reachable from s, in no particular order
func NextStatuses(s models.OrderStatus) []models.OrderStatus {
	var next []models.OrderStatus
	for e := range transitions {
		if e.from == s {
			next = append(next, e.to)
		}
	}
	return next
}

func (t Transition) allows(role ActorRole) bool {
	for _, r := range t.Actors {
		if r == role {
			return true
		}
	}
	return false
}

// CheckTransition validates moving order to the status `to` on behalf of
// actor and returns the matching edge. driverID is the driver being assigned
// on ready -> assigned; a driver actor always assigns themself.
func CheckTransition(order *models.Order, to models.OrderStatus, actor Actor, driverID *int64) (Transition, *int64, error) {
	illegal := func(reason string) error {
		return &IllegalTransitionError{From: order.Status, To: to, Reason: reason}
	}

	if order.Status.IsTerminal() {
		return Transition{}, nil, illegal(fmt.Sprintf("order is already %s", order.Status))
	}

	t, ok := LookupTransition(order.Status, to)
	if !ok {
		return Transition{}, nil, illegal("not a lifecycle edge")
	}

	isDelivery := order.DeliveryType == models.DeliveryTypeDelivery
	switch {
	case t.scope == deliveryOnly && !isDelivery:
		return Transition{}, nil, illegal("only delivery orders go through drivers")
	case t.scope == withoutDelivery && isDelivery:
		return Transition{}, nil, illegal("delivery orders are handed to a driver")
	}

	if !t.allows(actor.Role) {
		return Transition{}, nil, illegal(fmt.Sprintf("%s may not perform this change", actor.Role))
	}

	if err := checkOwnership(order, actor, to); err != nil {
		return Transition{}, nil, err
	}

	if to != models.OrderStatusAssigned {
		return t, nil, nil
	}

	switch actor.Role {
	case RoleDriver:
		id := actor.ID
		return t, &id, nil
	default:
		if driverID == nil || *driverID <= 0 {
			return Transition{}, nil, &ValidationError{Field: "driver_id", Message: "required when assigning a driver"}
		}
		return t, driverID, nil
	}
}

// checkOwnership makes sure a buyer, seller or driver only acts on their own
// orders. The system role is trusted.
func checkOwnership(order *models.Order, actor Actor, to models.OrderStatus) error {
	switch actor.Role {
	case RoleBuyer:
		if actor.ID != order.BuyerID {
			return &ForbiddenError{Reason: "order belongs to another buyer"}
		}
	case RoleSeller:
		if actor.ID != order.SellerID {
			return &ForbiddenError{Reason: "order belongs to another seller"}
		}
	case RoleDriver:
		if to == models.OrderStatusAssigned {
			return nil
		}
		if order.DriverID == nil || *order.DriverID != actor.ID {
			return &ForbiddenError{Reason: "order is assigned to another driver"}
		}
	}
	return nil
}
