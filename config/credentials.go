package config

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Credentials resolves the provider API key pair. In prod both come from the
// parameter store; otherwise from the SINOPAC_API_KEY / SINOPAC_SECRET_KEY
// environment variables. Keys are never read from config.yaml and must never
// appear there.
func (cfg *SinopacConfig) Credentials(env string) (apiKey, secretKey string) {
	if env == "prod" {
		return getParameterStoreValue("SINOPAC_API_KEY", true),
			getParameterStoreValue("SINOPAC_SECRET_KEY", true)
	}
	return os.Getenv("SINOPAC_API_KEY"), os.Getenv("SINOPAC_SECRET_KEY")
}

func getParameterStoreValue(parameterName string, decrypt bool) string {
	baseCtx := context.Background()
	ctxWithTimeout, cancel := context.WithTimeout(baseCtx, 5*time.Second)
	defer cancel()

	cfg, err := config.LoadDefaultConfig(ctxWithTimeout)
	if err != nil {
		return ""
	}

	client := ssm.NewFromConfig(cfg)

	input := &ssm.GetParameterInput{
		Name:           &parameterName,
		WithDecryption: &decrypt,
	}

	result, err := client.GetParameter(ctxWithTimeout, input)
	if err != nil {
		return ""
	}

	if result.Parameter.Value == nil {
		return ""
	}

	return *result.Parameter.Value
}
