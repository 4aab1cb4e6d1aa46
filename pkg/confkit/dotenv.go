package confkit

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// LoadDotenvOnce loads a .env file once per process. ENV_FILE names the file
// explicitly; otherwise every .env from this package up to the module root is
// tried. Set variables win unless DOTENV_OVERLOAD=1. NO_DOTENV=1 disables it.
func LoadDotenvOnce() {
	dotenvOnce.Do(loadDotenv)
}

func loadDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}
	load := godotenv.Load
	if os.Getenv("DOTENV_OVERLOAD") == "1" {
		load = godotenv.Overload
	}

	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		_ = load(envFile)
		return
	}
	if _, file, _, ok := runtime.Caller(0); ok {
		walkUp(filepath.Dir(file), func(dir string) bool {
			_ = load(filepath.Join(dir, ".env"))
			return isRoot(dir)
		})
		return
	}
	_ = load(".env")
}
