// Package registry models the business registry's HTTP surface used by the sync pipeline.
//
// # Core Components
//
//   - Partition: an immutable descriptor of one independently synced dataset
//     (units or sub-units) with its endpoints, change-feed shape and checkpoint key.
//   - ChangePage and ChangeEvent: the paginated change feed.
//   - Client: fetches the bulk export stream, change pages and single entities.
//
// # Partitions
//
// Partitions are built from configuration once at startup:
//
//	p := registry.NewPartition(cfg.Partitions[0])
//	key := p.EntityKey("123456789") // "enheter/123456789"
//
// # Change Feed
//
// Change pages are requested with a timestamp cursor, a page size and a page number:
//
//	url, err := registry.ChangesURL(p, "dato", checkpoint, 30, 0)
//	page, err := client.FetchChanges(ctx, url)
//	for _, ev := range page.Events(p.EmbeddedKey) {
//		link := p.ResourceLink(ev)
//	}
package registry
