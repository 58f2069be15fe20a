package tunnel

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/oschwald/maxminddb-golang"
)

const (
	// GeoIPFileName is looked up in the asset directory.
	GeoIPFileName = "geoip.mmdb"
	// EnvAssetLocation overrides the asset directory.
	EnvAssetLocation = "ASSET_LOCATION"
)

// CountryLookup resolves an address to an ISO country code.
type CountryLookup interface {
	Country(ip netip.Addr) (string, bool)
}

// GeoIP reads a MaxMind country database.
type GeoIP struct {
	db *maxminddb.Reader
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// OpenGeoIP opens the database at path.
func OpenGeoIP(path string) (*GeoIP, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &GeoIP{db: db}, nil
}

// OpenGeoIPFromAssets opens geoip.mmdb from dir, or from ASSET_LOCATION
// when dir is empty. It returns nil without error when no database exists,
// in which case GEOIP rules never match.
func OpenGeoIPFromAssets(dir string) (*GeoIP, error) {
	if dir == "" {
		dir = os.Getenv(EnvAssetLocation)
	}
	if dir == "" {
		return nil, nil
	}
	path := filepath.Join(dir, GeoIPFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return OpenGeoIP(path)
}

// Country implements CountryLookup.
func (g *GeoIP) Country(ip netip.Addr) (string, bool) {
	if g == nil || !ip.IsValid() {
		return "", false
	}
	var rec countryRecord
	if err := g.db.Lookup(net.IP(ip.Unmap().AsSlice()), &rec); err != nil {
		return "", false
	}
	return rec.Country.ISOCode, rec.Country.ISOCode != ""
}

// Close releases the database.
func (g *GeoIP) Close() error {
	if g == nil {
		return nil
	}
	return g.db.Close()
}
