package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		LISBaseURL:          "http://lis.example",
		ReportPath:          "/api/reports",
		OrderMaterialsPath:  "/api/order-materials/",
		LogisticRequestPath: "/api/logistic-requests",
		TokenKey:            "0123456789abcdef",
		TokenTTL:            2 * time.Hour,
		TokenCacheMargin:    10 * time.Minute,
		MaxAttempts:         3,
		FileStoreDriver:     "fs",
	}
}

func Test_Validate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	c := validConfig()
	c.LISBaseURL = ""
	assert.Error(t, c.Validate())

	c = validConfig()
	c.TokenKey = "too-short"
	assert.Error(t, c.Validate())

	c = validConfig()
	c.MaxAttempts = 0
	assert.Error(t, c.Validate())

	// The cache margin must leave a usable token lifetime.
	c = validConfig()
	c.TokenCacheMargin = 3 * time.Hour
	assert.Error(t, c.Validate())

	c = validConfig()
	c.FileStoreDriver = "s3"
	assert.Error(t, c.Validate())
	c.S3Bucket = "attachments"
	assert.NoError(t, c.Validate())
}

func Test_URLs(t *testing.T) {
	c := validConfig()

	assert.Equal(t, "http://lis.example/api/reports/42", c.ReportURL(42))
	assert.Equal(t, "http://lis.example/api/order-materials/REF-1001", c.OrderMaterialsURL("REF-1001"))
	assert.Equal(t, "http://lis.example/api/logistic-requests/USR-1", c.LogisticRequestURL("USR-1"))
}

func Test_LoadConfig_Defaults(t *testing.T) {
	c := LoadConfig()

	assert.Equal(t, 180*time.Second, c.RequestTimeout)
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, 120*time.Minute, c.TokenTTL)
	assert.Equal(t, 10*time.Minute, c.TokenCacheMargin)
	assert.Equal(t, "COLLECT_REQUEST_DISPATCH", c.DispatchTopic)
}
