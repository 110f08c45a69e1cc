package registry

import (
	"strings"

	"github.com/digdir/erproxy-sync/internal/config"
)

// Partition describes one independently synced subset of the registry
type Partition struct {
	Name          string
	Tag           string
	SnapshotURL   string
	ChangesURL    string
	EntityURL     string
	EmbeddedKey   string
	LinkRel       string
	CheckpointKey string
}

// NewPartition builds a Partition from a validated partition configuration
func NewPartition(cfg config.PartitionConfig) Partition {
	return Partition{
		Name:          cfg.Name,
		Tag:           cfg.Tag,
		SnapshotURL:   cfg.SnapshotURL,
		ChangesURL:    cfg.ChangesURL,
		EntityURL:     strings.TrimSuffix(cfg.EntityURL, "/"),
		EmbeddedKey:   cfg.EmbeddedKey,
		LinkRel:       cfg.LinkRel,
		CheckpointKey: cfg.CheckpointKey,
	}
}

// NewPartitions builds the partitions of a configuration in order
func NewPartitions(cfgs []config.PartitionConfig) []Partition {
	partitions := make([]Partition, 0, len(cfgs))
	for _, cfg := range cfgs {
		partitions = append(partitions, NewPartition(cfg))
	}
	return partitions
}

// EntityKey returns the storage key of an entity in this partition
func (p Partition) EntityKey(id string) string {
	return p.Tag + "/" + id
}

// ResourceLink returns the URL to fetch the current state of the changed entity.
// It prefers the event's link for the partition's rel and falls back to the entity URL.
func (p Partition) ResourceLink(ev ChangeEvent) string {
	if link, ok := ev.Links[p.LinkRel]; ok && link.Href != "" {
		return link.Href
	}
	return p.EntityURL + "/" + ev.OrganizationNumber
}
