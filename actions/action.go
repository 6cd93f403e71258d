// Package actions defines the contract for external integrations (CRM,
// helpdesk, calendar, email, knowledge) and a retrying wrapper that owns
// their retry policy.
package actions

import (
	"fmt"
)

// Kind groups actions by the integration that serves them.
type Kind string

const (
	KindCRM       Kind = "crm"
	KindHelpdesk  Kind = "helpdesk"
	KindCalendar  Kind = "calendar"
	KindEmail     Kind = "email"
	KindKnowledge Kind = "knowledge"
)

// Kinds lists every provider kind.
func Kinds() []Kind {
	return []Kind{KindCRM, KindHelpdesk, KindCalendar, KindEmail, KindKnowledge}
}

// Action is one supported operation on an integration.
type Action string

const (
	SearchContacts     Action = "search_contacts"
	CreateContact      Action = "create_contact"
	UpdateContact      Action = "update_contact"
	CreateDeal         Action = "create_deal"
	UpdateDeal         Action = "update_deal"
	CreateTicket       Action = "create_ticket"
	UpdateTicket       Action = "update_ticket"
	AddTicketComment   Action = "add_ticket_comment"
	FindAvailableSlots Action = "find_available_slots"
	ScheduleMeeting    Action = "schedule_meeting"
	CancelMeeting      Action = "cancel_meeting"
	SendEmail          Action = "send_email"
	SearchKnowledge    Action = "search_knowledge"
	FetchDocument      Action = "fetch_document"
)

// All lists every action in declaration order.
func All() []Action {
	return []Action{
		SearchContacts, CreateContact, UpdateContact, CreateDeal, UpdateDeal,
		CreateTicket, UpdateTicket, AddTicketComment,
		FindAvailableSlots, ScheduleMeeting, CancelMeeting,
		SendEmail,
		SearchKnowledge, FetchDocument,
	}
}

// Kind returns the integration that serves a. Unknown actions return "".
func (a Action) Kind() Kind {
	switch a {
	case SearchContacts, CreateContact, UpdateContact, CreateDeal, UpdateDeal:
		return KindCRM
	case CreateTicket, UpdateTicket, AddTicketComment:
		return KindHelpdesk
	case FindAvailableSlots, ScheduleMeeting, CancelMeeting:
		return KindCalendar
	case SendEmail:
		return KindEmail
	case SearchKnowledge, FetchDocument:
		return KindKnowledge
	}
	return ""
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a.Kind() != ""
}

func (a Action) String() string {
	return string(a)
}

// ParseAction converts a name to an Action.
func ParseAction(name string) (Action, error) {
	a := Action(name)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action: %s", name)
	}
	return a, nil
}

// ForKind lists the actions served by kind.
func ForKind(kind Kind) []Action {
	var out []Action
	for _, a := range All() {
		if a.Kind() == kind {
			out = append(out, a)
		}
	}
	return out
}
