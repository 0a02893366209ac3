// Package configx turns environment variables into typed config structs. A
// .env file, when present, is exported into the process environment first so
// envconfig sees one consistent source.
package configx

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// MustLoad is Load for process startup: any failure is fatal.
func MustLoad[T any](prefix string, files ...string) *T {
	conf, err := Load[T](prefix, files...)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return conf
}

// Load populates T from the environment using envconfig tags under prefix.
// The first existing file in files (default ".env") is read with viper and
// exported before processing; variables already set in the real environment
// win over file values.
func Load[T any](prefix string, files ...string) (*T, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		ok, err := exportFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		if ok {
			break
		}
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// exportFile loads one env file into the process environment. Returns false
// when the file does not exist.
func exportFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return false, err
	}

	for key, val := range v.AllSettings() {
		name := strings.ToUpper(key)
		if _, exists := os.LookupEnv(name); exists {
			continue
		}
		if err := os.Setenv(name, fmt.Sprint(val)); err != nil {
			return false, err
		}
	}
	return true, nil
}
