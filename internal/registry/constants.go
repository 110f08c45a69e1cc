package registry

const (
	// DefaultBaseURL is the public base URL of the business registry API
	DefaultBaseURL = "https://data.brreg.no/enhetsregisteret/api"

	// DefaultIDField is the JSON field holding the entity identifier
	DefaultIDField = "organisasjonsnummer"

	// CursorLayout is the fixed timestamp layout used for change-feed cursors and checkpoints
	CursorLayout = "2006-01-02T15:04:05.000Z"

	// ContentTypeJSON is the content type of stored entity records
	ContentTypeJSON = "application/json"
)

// Well-known partition tags
const (
	TagUnits    = "enheter"
	TagSubunits = "underenheter"
)
