package actions

// Spec describes an action for tool registration.
type Spec struct {
	Description string
	Parameters  map[string]any
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func num(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Describe returns the description and JSON schema of a.
func (a Action) Describe() Spec {
	switch a {
	case SearchContacts:
		return Spec{"Search CRM contacts by name, email or company", object([]string{"query"}, map[string]any{
			"query": str("Free-text search"),
			"limit": num("Maximum results (default 10)"),
		})}
	case CreateContact:
		return Spec{"Create a CRM contact", object([]string{"email"}, map[string]any{
			"email":   str("Contact email"),
			"name":    str("Full name"),
			"company": str("Company name"),
			"phone":   str("Phone number"),
		})}
	case UpdateContact:
		return Spec{"Update fields on a CRM contact", object([]string{"contact_id", "fields"}, map[string]any{
			"contact_id": str("Contact identifier"),
			"fields":     map[string]any{"type": "object", "description": "Fields to set"},
		})}
	case CreateDeal:
		return Spec{"Create a deal linked to a contact", object([]string{"contact_id", "name"}, map[string]any{
			"contact_id": str("Primary contact"),
			"name":       str("Deal name"),
			"amount":     map[string]any{"type": "number", "description": "Deal value"},
			"stage":      str("Pipeline stage"),
		})}
	case UpdateDeal:
		return Spec{"Update a deal's stage, amount or other fields", object([]string{"deal_id", "fields"}, map[string]any{
			"deal_id": str("Deal identifier"),
			"fields":  map[string]any{"type": "object", "description": "Fields to set"},
		})}
	case CreateTicket:
		return Spec{"Open a helpdesk ticket", object([]string{"subject", "requester_email"}, map[string]any{
			"subject":         str("Ticket subject"),
			"description":     str("Problem description"),
			"requester_email": str("Customer email"),
			"priority":        map[string]any{"type": "string", "enum": []string{"low", "normal", "high", "urgent"}},
		})}
	case UpdateTicket:
		return Spec{"Change a ticket's status, priority or assignee", object([]string{"ticket_id"}, map[string]any{
			"ticket_id": str("Ticket identifier"),
			"status":    str("New status"),
			"priority":  str("New priority"),
			"assignee":  str("Agent to assign"),
		})}
	case AddTicketComment:
		return Spec{"Add a comment to a ticket", object([]string{"ticket_id", "body"}, map[string]any{
			"ticket_id": str("Ticket identifier"),
			"body":      str("Comment text"),
			"public":    map[string]any{"type": "boolean", "description": "Visible to the customer"},
		})}
	case FindAvailableSlots:
		return Spec{"Find free calendar slots for a set of attendees", object([]string{"attendees", "duration_minutes"}, map[string]any{
			"attendees":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"duration_minutes": num("Meeting length"),
			"window_start":     str("RFC3339 start of search window"),
			"window_end":       str("RFC3339 end of search window"),
		})}
	case ScheduleMeeting:
		return Spec{"Book a meeting", object([]string{"attendees", "start", "duration_minutes"}, map[string]any{
			"attendees":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"start":            str("RFC3339 start time"),
			"duration_minutes": num("Meeting length"),
			"title":            str("Meeting title"),
		})}
	case CancelMeeting:
		return Spec{"Cancel a booked meeting", object([]string{"meeting_id"}, map[string]any{
			"meeting_id": str("Meeting identifier"),
			"reason":     str("Reason sent to attendees"),
		})}
	case SendEmail:
		return Spec{"Send an email", object([]string{"to", "subject", "body"}, map[string]any{
			"to":      str("Recipient address"),
			"subject": str("Subject line"),
			"body":    str("Plain-text body"),
			"cc":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		})}
	case SearchKnowledge:
		return Spec{"Search the knowledge base", object([]string{"query"}, map[string]any{
			"query": str("Search terms"),
			"limit": num("Maximum results (default 5)"),
		})}
	case FetchDocument:
		return Spec{"Fetch a web page as Markdown and add it to the knowledge base", object([]string{"url"}, map[string]any{
			"url": str("HTTPS URL"),
		})}
	}
	return Spec{Parameters: object(nil, map[string]any{})}
}
