// Package relay contains the core domain types for the blood bank notification relay.
package relay

import "time"

// Wildcard is the attribute value meaning "every group".
const Wildcard = "*"

// Keys holds the client-generated encryption material of a push subscription.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is one browser's push delivery channel.
// Subscriptions are immutable once accepted; replacing one means remove + add.
type Subscription struct {
	CreatedAt time.Time `json:"created_at"`
	Endpoint  string    `json:"endpoint"`            // Unique key within the registry
	Keys      Keys      `json:"keys"`                // Required by the push service
	Attribute string    `json:"attribute,omitempty"` // Blood group tag; empty receives everything
}

// Notification is an ephemeral message handed to the delivery engine.
type Notification struct {
	Title           string `json:"title"`
	Body            string `json:"body"`
	Link            string `json:"link,omitempty"`
	TargetAttribute string `json:"attribute,omitempty"` // Empty or Wildcard broadcasts to all
}

// Donor is a blood donor record.
type Donor struct {
	ID            string `json:"id,omitempty" firestore:"-"`
	Name          string `json:"name" firestore:"name"`
	BloodGroup    string `json:"bloodGroup" firestore:"bloodGroup"`
	ContactNumber string `json:"contactNumber" firestore:"contactNumber"`
	ContactName   string `json:"contactName" firestore:"contactName"`
	CaseType      string `json:"caseType" firestore:"case"`
}

// Event is a club event. Date and Time are stored as the operator typed them.
type Event struct {
	ID           string `json:"id,omitempty" firestore:"-"`
	Name         string `json:"name" firestore:"name"`
	ImageURL     string `json:"imageUrl" firestore:"imageUrl"`
	Description  string `json:"description" firestore:"description"`
	RegisterLink string `json:"registerLink" firestore:"registerLink"`
	Date         string `json:"date" firestore:"date"`
	Time         string `json:"time" firestore:"time"`
	Club         string `json:"club" firestore:"club"`
	Status       string `json:"status" firestore:"status"`
}
