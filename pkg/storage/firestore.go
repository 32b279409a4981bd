package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements Store using Google Cloud Firestore. Records live
// under sites/{siteID}/prices and sites/{siteID}/evidence so one database can
// back several deployments. Write-once comes from document Create, which the
// server rejects with AlreadyExists when the document is present.
type FirestoreStore struct {
	client    *firestore.Client
	projectID string
	database  string
	siteID    string
}

// configuredFirestore sets up the Firestore provider. It registers flags for
// configuration.
func configuredFirestore() *FirestoreStore {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	siteID := lflag.String("site-id", "default", "Site namespace for stored records")

	f := &FirestoreStore{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.siteID = *siteID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init initializes the Firestore client. This must be called before using
// the provider methods.
func (f *FirestoreStore) Init(ctx context.Context) error {
	if f.siteID == "" {
		return fmt.Errorf("site-id cannot be empty")
	}
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreStore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreStore) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("sites").Doc(f.siteID).Collection(name)
}

// HasPrices reports whether a record exists for the (source, date) key.
func (f *FirestoreStore) HasPrices(ctx context.Context, source, date string) (bool, error) {
	_, err := f.collection("prices").Doc(priceKey(source, date)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check price record: %w", err)
	}
	return true, nil
}

// PutPrices creates the record document. Create is rejected server-side when
// the document already exists, which keeps the first write authoritative
// even across racing processes.
func (f *FirestoreStore) PutPrices(ctx context.Context, rec types.CachedPriceRecord) error {
	jsonBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal price record: %w", err)
	}

	docID := priceKey(rec.Series.Source, rec.Series.Date)
	_, err = f.collection("prices").Doc(docID).Create(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"source":    rec.Series.Source,
		"date":      rec.Series.Date,
		"fetchedAt": rec.FetchedAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, docID)
		}
		return fmt.Errorf("failed to create price record %s: %w", docID, err)
	}
	return nil
}

// GetPrices loads the record for the (source, date) key.
func (f *FirestoreStore) GetPrices(ctx context.Context, source, date string) (types.CachedPriceRecord, error) {
	docID := priceKey(source, date)
	doc, err := f.collection("prices").Doc(docID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.CachedPriceRecord{}, fmt.Errorf("%w: %s", ErrNotFound, docID)
		}
		return types.CachedPriceRecord{}, fmt.Errorf("failed to get price record %s: %w", docID, err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		return types.CachedPriceRecord{}, fmt.Errorf("price record %s missing 'json' field: %w", docID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return types.CachedPriceRecord{}, fmt.Errorf("price record %s 'json' field is not a string", docID)
	}

	var rec types.CachedPriceRecord
	if err := json.Unmarshal([]byte(jsonStr), &rec); err != nil {
		return types.CachedPriceRecord{}, fmt.Errorf("failed to unmarshal price record %s: %w", docID, err)
	}
	return rec, nil
}

// LatestPriceDate returns the newest cached date for a source.
func (f *FirestoreStore) LatestPriceDate(ctx context.Context, source string) (string, error) {
	// firestore automatically creates indexes for top-level fields
	iter := f.collection("prices").
		Where("source", "==", source).
		OrderBy("date", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return "", fmt.Errorf("%w: no records for source %s", ErrNotFound, source)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest price record: %w", err)
	}

	val, err := doc.DataAt("date")
	if err != nil {
		return "", fmt.Errorf("price record %s missing 'date' field: %w", doc.Ref.ID, err)
	}
	date, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("price record %s 'date' field is not a string", doc.Ref.ID)
	}
	return date, nil
}

// PutEvidence stores a control-surface snapshot document.
func (f *FirestoreStore) PutEvidence(ctx context.Context, ev types.SessionEvidence) error {
	docID := fmt.Sprintf("%s-%s", ev.CycleID, ev.Stage)
	_, err := f.collection("evidence").Doc(docID).Create(ctx, map[string]interface{}{
		"cycleID":     ev.CycleID,
		"stage":       ev.Stage,
		"capturedAt":  ev.CapturedAt,
		"contentType": ev.ContentType,
		"body":        ev.Body,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: evidence %s", ErrAlreadyExists, docID)
		}
		return fmt.Errorf("failed to create evidence %s: %w", docID, err)
	}
	return nil
}
