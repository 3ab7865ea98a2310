// Package config loads the licensing daemon configuration.
//
// Values come from three layers, later layers winning:
//
//  1. Default()
//  2. a YAML file (RESIZER_CONFIG_FILE, ./config.yaml or ./configs/config.yaml)
//  3. RESIZER_* environment variables
//
// Environment variables follow the struct nesting, for example:
//
//	RESIZER_SERVER_PORT=8080
//	RESIZER_LICENSE_ENFORCE=true
//	RESIZER_LICENSE_ID=RES-2024-0001
//	RESIZER_AUTHORITY_KIND=http
//	RESIZER_AUTHORITY_ENDPOINT=https://licensing.example.com/verify
//	RESIZER_STORAGE_BACKEND=redis
//
// License enforcement is off unless RESIZER_LICENSE_ENFORCE is set. The
// remaining license, authority, signature and storage settings are only
// required once enforcement is switched on.
package config
