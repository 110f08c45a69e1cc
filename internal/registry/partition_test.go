package registry

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digdir/erproxy-sync/internal/config"
)

func unitsPartition() Partition {
	return Partition{
		Name:          "units",
		Tag:           TagUnits,
		SnapshotURL:   DefaultBaseURL + "/enheter/lastned",
		ChangesURL:    DefaultBaseURL + "/oppdateringer/enheter",
		EntityURL:     DefaultBaseURL + "/enheter",
		EmbeddedKey:   "oppdaterteEnheter",
		LinkRel:       "enhet",
		CheckpointKey: "state/enheter.json",
	}
}

func TestNewPartitions_FromDefaults(t *testing.T) {
	t.Parallel()

	partitions := NewPartitions(config.Default().Partitions)
	require.Len(t, partitions, 2)

	assert.Equal(t, unitsPartition(), partitions[0])
	assert.Equal(t, "subunits", partitions[1].Name)
	assert.Equal(t, TagSubunits, partitions[1].Tag)
	assert.Equal(t, "oppdaterteUnderenheter", partitions[1].EmbeddedKey)
	assert.Equal(t, "underenhet", partitions[1].LinkRel)
}

func TestPartition_EntityKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "enheter/123456789", unitsPartition().EntityKey("123456789"))
}

func TestPartition_ResourceLink(t *testing.T) {
	t.Parallel()

	p := unitsPartition()

	tests := []struct {
		name string
		ev   ChangeEvent
		want string
	}{
		{
			name: "uses the partition rel",
			ev: ChangeEvent{
				OrganizationNumber: "123456789",
				Links: map[string]Link{
					"enhet":      {Href: "https://example.test/enheter/123456789"},
					"underenhet": {Href: "https://example.test/underenheter/123456789"},
				},
			},
			want: "https://example.test/enheter/123456789",
		},
		{
			name: "falls back when the rel is missing",
			ev: ChangeEvent{
				OrganizationNumber: "987654321",
				Links:              map[string]Link{"underenhet": {Href: "https://example.test/x"}},
			},
			want: DefaultBaseURL + "/enheter/987654321",
		},
		{
			name: "falls back on an empty href",
			ev:   ChangeEvent{OrganizationNumber: "111", Links: map[string]Link{"enhet": {}}},
			want: DefaultBaseURL + "/enheter/111",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, p.ResourceLink(tt.ev))
		})
	}
}

func TestChangesURL(t *testing.T) {
	t.Parallel()

	since := time.Date(2024, 3, 5, 7, 8, 9, 123456789, time.FixedZone("CET", 3600))

	raw, err := ChangesURL(unitsPartition(), "dato", since, 30, 2)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/enhetsregisteret/api/oppdateringer/enheter", u.Path)
	assert.Equal(t, "2024-03-05T06:08:09.123Z", u.Query().Get("dato"))
	assert.Equal(t, "30", u.Query().Get("size"))
	assert.Equal(t, "2", u.Query().Get("page"))
}

func TestChangesURL_KeepsExistingQuery(t *testing.T) {
	t.Parallel()

	p := unitsPartition()
	p.ChangesURL = "https://example.test/changes?includeChanges=true"

	raw, err := ChangesURL(p, "fra", time.Time{}, 10, 0)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "true", u.Query().Get("includeChanges"))
	assert.Equal(t, "0001-01-01T00:00:00.000Z", u.Query().Get("fra"))
}

func TestChangesURL_Invalid(t *testing.T) {
	t.Parallel()

	p := unitsPartition()
	p.ChangesURL = "://bad"

	_, err := ChangesURL(p, "dato", time.Now(), 30, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid changes URL for units")
}

func TestChangePage_Accessors(t *testing.T) {
	t.Parallel()

	var nilPage *ChangePage
	assert.Nil(t, nilPage.Events("oppdaterteEnheter"))
	assert.Empty(t, nilPage.NextURL())

	page := &ChangePage{
		Embedded: map[string][]ChangeEvent{"oppdaterteEnheter": {{OrganizationNumber: "1"}}},
		Links:    PageLinks{Next: &Link{Href: "https://example.test/next"}},
	}
	assert.Len(t, page.Events("oppdaterteEnheter"), 1)
	assert.Empty(t, page.Events("oppdaterteUnderenheter"))
	assert.Equal(t, "https://example.test/next", page.NextURL())
}
