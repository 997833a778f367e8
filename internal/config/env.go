package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// readDotEnv reads the .env file that sits next to the config file. A missing
// file yields an empty map.
func readDotEnv(configPath string) (map[string]string, error) {
	p := filepath.Join(filepath.Dir(configPath), ".env")
	vars, err := godotenv.Read(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return vars, nil
}

// expandEnv substitutes ${VAR} and $VAR references. The process environment
// wins over dotenv; unset variables expand to "".
func expandEnv(b []byte, dotenv map[string]string) []byte {
	return []byte(os.Expand(string(b), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	}))
}
