package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rs/zerolog"

	"github.com/kestrelhq/llm-gateway/internal/auth"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"

	// testRateLimitTPM is generous enough that local smoke-testing against
	// the seeded key never trips the per-tenant limiter.
	testRateLimitTPM = 1_000_000
)

// SeedTestAPIKey inserts a fixed, well-known API key for local development
// and smoke tests (RUN_SEED=true). It is a no-op, logged at debug level, if
// the key already exists — re-running the gateway against a populated
// database shouldn't fail startup.
func SeedTestAPIKey(ctx context.Context, store auth.Store, log zerolog.Logger) {
	h := sha256.New()
	h.Write([]byte(TestAPIKey))
	keyHash := hex.EncodeToString(h.Sum(nil))

	apiKey := &auth.APIKey{
		TenantID:  TestTenantID,
		KeyHash:   keyHash,
		RateLimit: testRateLimitTPM,
		Active:    true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		log.Debug().Err(err).Msg("seeder: test api key may already exist, skipping")
		return
	}
	log.Info().Str("tenant_id", TestTenantID).Msg("seeder: test api key created")
}
