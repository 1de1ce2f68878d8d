// Package cvr computes and compares client view records: per-collection maps of
// entity id to row version describing what a client group has already received.
package cvr

import "sort"

// Collection names a group of entities tracked in a client view record.
type Collection string

const (
	// CollectionList tracks todo lists visible to the user.
	CollectionList Collection = "list"
	// CollectionTodo tracks todos belonging to visible lists.
	CollectionTodo Collection = "todo"
	// CollectionShare tracks shares on visible lists.
	CollectionShare Collection = "share"
	// CollectionClient tracks clients of the group, versioned by last mutation id.
	CollectionClient Collection = "client"
)

// SearchResult identifies one row and the version it was read at. It never carries payload.
type SearchResult struct {
	ID         string `gorm:"column:id"`
	RowVersion int64  `gorm:"column:row_version"`
}

// Entries maps entity ids to row versions for a single collection.
type Entries map[string]int64

// CVR maps collection names to their entries.
type CVR map[Collection]Entries

// EntriesFromSearch converts search results into collection entries.
func EntriesFromSearch(results []SearchResult) Entries {
	entries := make(Entries, len(results))
	for _, result := range results {
		entries[result.ID] = result.RowVersion
	}
	return entries
}

// Build assembles a CVR from search results keyed by collection.
func Build(results map[Collection][]SearchResult) CVR {
	record := make(CVR, len(results))
	for collection, collectionResults := range results {
		record[collection] = EntriesFromSearch(collectionResults)
	}
	return record
}

// CollectionChanges lists the ids to upsert and delete within one collection.
type CollectionChanges struct {
	Puts []string
	Dels []string
}

// Changes holds the per-collection result of Diff.
type Changes map[Collection]CollectionChanges

// Collection returns the changes for the given collection, empty when absent.
func (changes Changes) Collection(collection Collection) CollectionChanges {
	return changes[collection]
}

// IsEmpty reports whether no collection has puts or dels.
func (changes Changes) IsEmpty() bool {
	for _, collectionChanges := range changes {
		if len(collectionChanges.Puts) > 0 || len(collectionChanges.Dels) > 0 {
			return false
		}
	}
	return true
}

// Diff compares two records structurally. Ids in next whose version differs from base
// (or that base lacks) become puts; ids in base missing from next become dels.
// A collection absent from either side is treated as empty.
func Diff(base, next CVR) Changes {
	changes := make(Changes, len(next))
	for collection := range collectionNames(base, next) {
		baseEntries := base[collection]
		nextEntries := next[collection]

		puts := make([]string, 0)
		for id, version := range nextEntries {
			previous, ok := baseEntries[id]
			if !ok || previous != version {
				puts = append(puts, id)
			}
		}
		dels := make([]string, 0)
		for id := range baseEntries {
			if _, ok := nextEntries[id]; !ok {
				dels = append(dels, id)
			}
		}
		sort.Strings(puts)
		sort.Strings(dels)
		changes[collection] = CollectionChanges{Puts: puts, Dels: dels}
	}
	return changes
}

func collectionNames(records ...CVR) map[Collection]struct{} {
	names := make(map[Collection]struct{})
	for _, record := range records {
		for collection := range record {
			names[collection] = struct{}{}
		}
	}
	return names
}
