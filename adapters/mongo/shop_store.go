package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tiendavoz/voicebridge/domain/entities"
)

const shopsCollection = "shops"

// ShopStore reads shop configurations from the shops collection. The
// documents are loaded into the in-memory directory at startup.
type ShopStore struct {
	collection *mongo.Collection
}

// NewShopStore creates a store over the shops collection
func NewShopStore(db *mongo.Database) *ShopStore {
	return &ShopStore{collection: db.Collection(shopsCollection)}
}

// Save inserts or replaces a shop document
func (s *ShopStore) Save(ctx context.Context, shop *entities.Shop) error {
	if shop == nil || shop.ID == "" {
		return errors.New("shop id is required")
	}

	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": shop.ID},
		shop,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save shop %s: %w", shop.ID, err)
	}
	return nil
}

// LoadAll returns every stored shop sorted by id
func (s *ShopStore) LoadAll(ctx context.Context) ([]*entities.Shop, error) {
	cursor, err := s.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query shops: %w", err)
	}
	defer cursor.Close(ctx)

	var shops []*entities.Shop
	if err := cursor.All(ctx, &shops); err != nil {
		return nil, fmt.Errorf("failed to decode shops: %w", err)
	}
	return shops, nil
}
