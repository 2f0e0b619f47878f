package geoid

import (
	"os"
	"sync"

	"github.com/tmakela/flowsift/internal/errors"
	"gopkg.in/yaml.v3"
)

// Classifier is the single injected lookup service for identifier
// classification: state names, international-region codes, and the
// entity-to-region mapping shared with the regional aggregator. It is loaded
// once and safe for concurrent readers.
type Classifier struct {
	mu           sync.RWMutex
	stateNames   map[string]string
	countyNames  map[string]string
	intlRegions  map[string]string
	regionByID   map[string]string // explicit entity id -> region label overrides
	regionByFIPS map[string]string // state FIPS -> default region label
}

// NewClassifier creates a classifier with the built-in state and
// international-region tables.
func NewClassifier() *Classifier {
	return &Classifier{
		stateNames:   stateFIPSNames,
		countyNames:  make(map[string]string),
		intlRegions:  internationalRegions,
		regionByID:   make(map[string]string),
		regionByFIPS: stateCensusRegions,
	}
}

// StateName returns the display name for a two-digit state code, or the code
// itself when unknown.
func (c *Classifier) StateName(code string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.stateNames[code]; ok {
		return name
	}
	return code
}

// CountyName returns the display name for a five-digit county code. County
// names arrive from source metadata rather than a built-in table, so unknown
// codes fall back to the code itself.
func (c *Classifier) CountyName(code string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.countyNames[code]; ok {
		return name
	}
	return code
}

// LearnCountyName records a county display name observed in source responses.
func (c *Classifier) LearnCountyName(code, name string) {
	if code == "" || name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.countyNames[code]; !exists {
		c.countyNames[code] = name
	}
}

// InternationalRegion reports whether a code names a world-region aggregate
// and returns its display name.
func (c *Classifier) InternationalRegion(code string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.intlRegions[code]
	return name, ok
}

// RegionOf returns the region label for an entity id. Explicit overrides from
// a loaded mapping file win; counties and states fall back to the census
// region of their state. Unmapped entities return an empty label.
func (c *Classifier) RegionOf(entityID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if region, ok := c.regionByID[entityID]; ok {
		return region
	}
	if len(entityID) == 5 {
		if region, ok := c.regionByFIPS[entityID[:2]]; ok {
			return region
		}
	}
	if region, ok := c.regionByFIPS[entityID]; ok {
		return region
	}
	return ""
}

// regionMappingFile is the YAML shape of an external region mapping.
type regionMappingFile struct {
	Regions map[string]string `yaml:"regions"` // entity id -> region label
}

// LoadRegionMapping reads an entity-to-region mapping from a YAML file and
// installs it as overrides on top of the built-in census regions.
func (c *Classifier) LoadRegionMapping(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Newf("failed to read region mapping file: %w", err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Component("geoid").
			Build()
	}

	var mapping regionMappingFile
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return errors.Newf("failed to parse region mapping file: %w", err).
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Component("geoid").
			Build()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, region := range mapping.Regions {
		c.regionByID[id] = region
	}
	return nil
}

// stateFIPSNames maps two-digit state FIPS codes to state names.
var stateFIPSNames = map[string]string{
	"01": "Alabama", "02": "Alaska", "04": "Arizona", "05": "Arkansas",
	"06": "California", "08": "Colorado", "09": "Connecticut", "10": "Delaware",
	"11": "District of Columbia", "12": "Florida", "13": "Georgia", "15": "Hawaii",
	"16": "Idaho", "17": "Illinois", "18": "Indiana", "19": "Iowa",
	"20": "Kansas", "21": "Kentucky", "22": "Louisiana", "23": "Maine",
	"24": "Maryland", "25": "Massachusetts", "26": "Michigan", "27": "Minnesota",
	"28": "Mississippi", "29": "Missouri", "30": "Montana", "31": "Nebraska",
	"32": "Nevada", "33": "New Hampshire", "34": "New Jersey", "35": "New Mexico",
	"36": "New York", "37": "North Carolina", "38": "North Dakota", "39": "Ohio",
	"40": "Oklahoma", "41": "Oregon", "42": "Pennsylvania", "44": "Rhode Island",
	"45": "South Carolina", "46": "South Dakota", "47": "Tennessee", "48": "Texas",
	"49": "Utah", "50": "Vermont", "51": "Virginia", "53": "Washington",
	"54": "West Virginia", "55": "Wisconsin", "56": "Wyoming",
	"72": "Puerto Rico",
}

// stateCensusRegions maps state FIPS codes to census region labels, the
// default grouping when no mapping file is supplied.
var stateCensusRegions = map[string]string{
	// Northeast
	"09": "Northeast", "23": "Northeast", "25": "Northeast", "33": "Northeast",
	"34": "Northeast", "36": "Northeast", "42": "Northeast", "44": "Northeast",
	"50": "Northeast",
	// Midwest
	"17": "Midwest", "18": "Midwest", "19": "Midwest", "20": "Midwest",
	"26": "Midwest", "27": "Midwest", "29": "Midwest", "31": "Midwest",
	"38": "Midwest", "39": "Midwest", "46": "Midwest", "55": "Midwest",
	// South
	"01": "South", "05": "South", "10": "South", "11": "South",
	"12": "South", "13": "South", "21": "South", "22": "South",
	"24": "South", "28": "South", "37": "South", "40": "South",
	"45": "South", "47": "South", "48": "South", "51": "South",
	"54": "South",
	// West
	"02": "West", "04": "West", "06": "West", "08": "West",
	"15": "West", "16": "West", "30": "West", "32": "West",
	"35": "West", "41": "West", "49": "West", "53": "West",
	"56": "West",
}

// internationalRegions maps world-region aggregate codes to display names.
// Both the source's alphabetic codes and its legacy numeric codes appear in
// responses depending on query type.
var internationalRegions = map[string]string{
	"AFR": "Africa",
	"ASA": "Asia",
	"CAM": "Central America",
	"CAR": "Caribbean",
	"EUR": "Europe",
	"NAM": "Northern America",
	"OCE": "Oceania and At Sea",
	"SAM": "South America",
	"ISL": "U.S. Island Areas",
	"100": "Africa",
	"109": "Asia",
	"110": "Central America",
	"111": "Caribbean",
	"112": "Europe",
	"113": "Northern America",
	"120": "Oceania and At Sea",
	"148": "South America",
	"157": "U.S. Island Areas",
}
