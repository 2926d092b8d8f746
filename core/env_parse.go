package core

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// GetEnvOrDefault returns the value of an environment variable or a default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses variables strictly and collects every malformed value,
// so LoadConfig can report all of them at once.
type envReader struct {
	err error
}

func (r *envReader) String(key, defaultValue string) string {
	return GetEnvOrDefault(key, defaultValue)
}

func (r *envReader) Int(key string, defaultValue int) int {
	v, err := parseInt(key, defaultValue)
	r.err = multierr.Append(r.err, err)
	return v
}

func (r *envReader) Float(key string, defaultValue float64) float64 {
	v, err := parseFloat(key, defaultValue)
	r.err = multierr.Append(r.err, err)
	return v
}

func (r *envReader) Bool(key string, defaultValue bool) bool {
	v, err := parseBool(key, defaultValue)
	r.err = multierr.Append(r.err, err)
	return v
}

// Prefixes reads a comma-separated list of CIDRs or bare IP addresses.
func (r *envReader) Prefixes(key string) []netip.Prefix {
	v, err := parsePrefixes(key)
	r.err = multierr.Append(r.err, err)
	return v
}

func parseInt(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, ErrInvalidValue(key, value, "expected an integer")
	}
	return v, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue, ErrInvalidValue(key, value, "expected a number")
	}
	return v, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return defaultValue, ErrInvalidValue(key, value, fmt.Sprintf("expected a boolean, keeping %t", defaultValue))
	}
}

func parsePrefixes(key string) ([]netip.Prefix, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	var prefixes []netip.Prefix
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if p, err := netip.ParsePrefix(item); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, ErrInvalidValue(key, item, "expected an IP address or CIDR")
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
