package registry

import "time"

// Change types reported by the change feed. They are informational only,
// the sync decision is taken from the entity fetch status.
const (
	ChangeTypeNew     = "Ny"
	ChangeTypeChange  = "Endring"
	ChangeTypeDelete  = "Sletting"
	ChangeTypeRemoved = "Fjernet"
	ChangeTypeUnknown = "Ukjent"
)

// Link is a HAL link
type Link struct {
	Href string `json:"href"`
}

// PageLinks are the pagination links of a change page
type PageLinks struct {
	First *Link `json:"first,omitempty"`
	Self  *Link `json:"self,omitempty"`
	Next  *Link `json:"next,omitempty"`
	Last  *Link `json:"last,omitempty"`
}

// PageInfo is the pagination metadata of a change page
type PageInfo struct {
	Size          int64 `json:"size"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int64 `json:"totalPages"`
	Number        int64 `json:"number"`
}

// ChangeEvent is a single changed-entity summary
type ChangeEvent struct {
	UpdateID           int64           `json:"oppdateringsid"`
	Date               time.Time       `json:"dato"`
	OrganizationNumber string          `json:"organisasjonsnummer"`
	ChangeType         string          `json:"endringstype,omitempty"`
	Links              map[string]Link `json:"_links,omitempty"`
}

// ChangePage is one page of the change feed
type ChangePage struct {
	Embedded map[string][]ChangeEvent `json:"_embedded,omitempty"`
	Links    PageLinks                `json:"_links"`
	Page     PageInfo                 `json:"page"`
}

// Events returns the events listed under the given embedded key
func (p *ChangePage) Events(key string) []ChangeEvent {
	if p == nil {
		return nil
	}
	return p.Embedded[key]
}

// NextURL returns the next page link, or an empty string on the last page
func (p *ChangePage) NextURL() string {
	if p == nil || p.Links.Next == nil {
		return ""
	}
	return p.Links.Next.Href
}

// EntityResponse is the outcome of fetching a single entity
type EntityResponse struct {
	StatusCode int
	Body       []byte
}
