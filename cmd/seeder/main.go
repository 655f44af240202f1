package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strings"

	_ "github.com/lib/pq"
)

func main() {
	// Load env vars roughly (or rely on them being exported)
	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
        // Fallback to reading .env manualy since godotenv isn't here
        data, _ := ioutil.ReadFile(".env")
        lines := strings.Split(string(data), "\n")
        for _, line := range lines {
            if strings.HasPrefix(line, "POSTGRES_URL=") {
                postgresURL = strings.TrimPrefix(line, "POSTGRES_URL=")
                break
            }
        }
	}

    if postgresURL == "" {
        log.Fatal("POSTGRES_URL not found")
    }

	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("Ping failed:", err)
	}

	fmt.Println("Connected to DB")

	// 1. Run Migrations
	fmt.Println("Running migrations...")
	migrationFile, err := ioutil.ReadFile("../../migrations/001_initial_schema.up.sql")
	if err != nil {
		// Try local path if running from root
		migrationFile, err = ioutil.ReadFile("migrations/001_initial_schema.up.sql")
		if err != nil {
			log.Fatal("Could not find migration file:", err)
		}
	}

	// Exec the whole migration file at once. lib/pq supports multiple statements in Exec
	_, err = db.Exec(string(migrationFile))
	if err != nil {
		log.Printf("Migration warning (might be already applied): %v\n", err)
	} else {
		fmt.Println("Migrations applied successfully")
	}

	// 2. Seed a demo tenant, API key, and plan (no balance: it lives only in Redis)
	fmt.Println("Seeding demo tenant...")

	tenantID := "t_demo"
	_, err = db.Exec(`
		INSERT INTO tenants (tenant_id, name, status)
		VALUES ($1, 'Demo Tenant', 'ACTIVE')
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID)
	if err != nil {
		fmt.Printf("Error seeding tenant: %v\n", err)
	}

	rawKey := "dpp_demo_key_do_not_use_in_prod"
	h := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(h[:])
	_, err = db.Exec(`
		INSERT INTO api_keys (key_id, tenant_id, key_hash)
		VALUES ('key_demo', $1, $2)
		ON CONFLICT (key_id) DO NOTHING
	`, tenantID, keyHash)
	if err != nil {
		fmt.Printf("Error seeding api key: %v\n", err)
	}
	fmt.Printf("Demo API key (unhashed, for local testing only): %s\n", rawKey)

	featuresJSON := `{"allowed_pack_types": ["decision"], "max_concurrent_runs": 10}`
	limitsJSON := `{"rate_limit_post_per_min": 60, "rate_limit_poll_per_min": 300, "pack_type_limits": {"decision": {"max_cost_usd_micros": 500000}}}`
	_, err = db.Exec(`
		INSERT INTO plans (plan_id, name, status, default_profile_version, features_json, limits_json)
		VALUES ('plan_demo', 'Demo Plan', 'ACTIVE', 'v1', $1, $2)
		ON CONFLICT (plan_id) DO NOTHING
	`, featuresJSON, limitsJSON)
	if err != nil {
		fmt.Printf("Error seeding plan: %v\n", err)
	}

	_, err = db.Exec(`
		INSERT INTO tenant_plans (tenant_id, plan_id, status)
		VALUES ($1, 'plan_demo', 'ACTIVE')
		ON CONFLICT (tenant_id, plan_id, effective_from) DO NOTHING
	`, tenantID)
	if err != nil {
		fmt.Printf("Error seeding tenant_plans: %v\n", err)
	}

	fmt.Println("Seeding complete. Run `dppctl tenants balance --tenant-id t_demo` after")
	fmt.Println("provisioning its initial Redis balance (there's no SQL row for that —")
	fmt.Println("it lives only in Redis via internal/ledger.ProvisionInitialBalance).")
}
