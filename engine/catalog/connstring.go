package catalog

import "strings"

// ConnectionParams is the structured form of a semicolon-separated
// connection string (e.g. "host=server;user=user;password=pass;db=mydb;port=3306"),
// shared across the engines this kernel catalogs (§6).
type ConnectionParams struct {
	Host     string
	User     string
	Password string
	DB       string
	Port     string
}

// ParseConnectionString parses connStr. Keys are case-insensitive; "host"
// and "server" are synonyms, as are "db" and "database". Returns ok=false if
// host, user, or db is missing, or if port is present but not a valid
// 1-65535 integer.
func ParseConnectionString(connStr string) (ConnectionParams, bool) {
	var params ConnectionParams
	if connStr == "" {
		return params, false
	}
	for _, token := range strings.Split(connStr, ";") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		key, value, found := strings.Cut(token, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		switch strings.ToLower(key) {
		case "host", "server":
			params.Host = value
		case "user":
			params.User = value
		case "password":
			params.Password = value
		case "db", "database":
			params.DB = value
		case "port":
			if value != "" && !isValidPort(value) {
				return ConnectionParams{}, false
			}
			params.Port = value
		}
	}
	if params.Host == "" || params.User == "" || params.DB == "" {
		return ConnectionParams{}, false
	}
	return params, true
}

func isValidPort(value string) bool {
	n := 0
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
		if n > 65535 {
			return false
		}
	}
	return n >= 1 && n <= 65535
}

// ExtractHostname returns the host parameter from a connection string, or ""
// if the string does not parse.
func ExtractHostname(connStr string) string {
	params, ok := ParseConnectionString(connStr)
	if !ok {
		return ""
	}
	return params.Host
}
