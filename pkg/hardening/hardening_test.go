package hardening

import "testing"

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:            "routerd",
		Environment:        "production",
		StrictProdSecurity: true,
		DatabaseRequireTLS: true,
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    true,
		AllowedOrigins:     []string{"https://console.example.com"},
		RequiredSecrets:    []Requirement{{Name: "ROUTING_SECRET", Value: "secret"}},
	}

	t.Run("pass", func(t *testing.T) {
		if err := ValidateProduction(base); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("non_prod_skip", func(t *testing.T) {
		o := base
		o.Environment = "development"
		o.DatabaseRequireTLS = false
		o.AllowedOrigins = []string{"*"}
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected skip in non-production, got %v", err)
		}
	})

	t.Run("staging_counts_as_production", func(t *testing.T) {
		o := base
		o.Environment = "staging"
		o.DatabaseRequireTLS = false
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected staging to be held to production rules")
		}
	})

	t.Run("db_tls_required", func(t *testing.T) {
		o := base
		o.DatabaseRequireTLS = false
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected DATABASE_REQUIRE_TLS enforcement error")
		}
	})

	t.Run("redis_tls_required", func(t *testing.T) {
		o := base
		o.RedisRequireTLS = false
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected REDIS_REQUIRE_TLS enforcement error")
		}
	})

	t.Run("redis_checks_skip_without_redis", func(t *testing.T) {
		o := base
		o.RedisAddr = ""
		o.RedisRequireTLS = false
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected redis checks to skip without an address, got %v", err)
		}
	})

	t.Run("redis_insecure_forbidden", func(t *testing.T) {
		o := base
		o.RedisTLSInsecure = true
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected insecure redis flag error")
		}
	})

	t.Run("cors_wildcard_forbidden", func(t *testing.T) {
		o := base
		o.AllowedOrigins = []string{"*"}
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected wildcard CORS error")
		}
	})

	t.Run("cors_localhost_forbidden", func(t *testing.T) {
		o := base
		o.AllowedOrigins = []string{"https://localhost:3000"}
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected localhost CORS error")
		}
	})

	t.Run("cors_https_required", func(t *testing.T) {
		o := base
		o.AllowedOrigins = []string{"http://console.example.com"}
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected https CORS error")
		}
	})

	t.Run("cors_must_be_explicit", func(t *testing.T) {
		o := base
		o.AllowedOrigins = nil
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected explicit CORS origin requirement")
		}
	})

	t.Run("required_secret", func(t *testing.T) {
		o := base
		o.RequiredSecrets = []Requirement{{Name: "ROUTING_SECRET", Value: ""}}
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected required secret error")
		}
	})

	t.Run("strict_can_be_disabled", func(t *testing.T) {
		o := base
		o.StrictProdSecurity = false
		o.DatabaseRequireTLS = false
		o.AllowedOrigins = []string{"*"}
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected strict disable skip, got %v", err)
		}
	})
}
