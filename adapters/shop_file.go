package adapters

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tiendavoz/voicebridge/domain/entities"
)

// LoadShopsFile reads a JSON array of shop configurations
func LoadShopsFile(path string) ([]*entities.Shop, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shops file: %w", err)
	}

	var shops []*entities.Shop
	if err := json.Unmarshal(data, &shops); err != nil {
		return nil, fmt.Errorf("failed to decode shops file %s: %w", path, err)
	}
	return shops, nil
}
