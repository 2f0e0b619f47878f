// model.go: gorm models for persisted pipeline outputs
package datastore

// FlowEdge is one canonical directed flow as persisted after assembly.
type FlowEdge struct {
	ID                uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Year              int    `gorm:"index"`
	OriginID          string `gorm:"index"`
	DestinationID     string `gorm:"index"`
	Magnitude         float64
	ObservedDirection string // anchor role of the winning observation
	SourceTag         string
}

// AsymmetryRecord is one origin group's concentration statistics.
type AsymmetryRecord struct {
	ID                    uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Year                  int    `gorm:"index"`
	OriginID              string `gorm:"index"`
	TotalMagnitude        float64
	DestinationCount      int
	CV                    float64 `gorm:"column:cv"`
	Gini                  float64
	TopConcentrationRatio float64
	TopDestinationID      string
}

// ConcentrationFlag is one flagged edge.
type ConcentrationFlag struct {
	ID            uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Year          int    `gorm:"index"`
	OriginID      string `gorm:"index"`
	DestinationID string
	Weight        float64
	ObservedShare float64
	ExpectedShare float64
	Ratio         float64
}

// RegionSummary is one region's comparative summary.
type RegionSummary struct {
	ID       uint `gorm:"column:id;primaryKey;autoIncrement"`
	Year     int  `gorm:"index"`
	Region   string
	NGroups  int
	MeanCV   float64 `gorm:"column:mean_cv"`
	MedianCV float64 `gorm:"column:median_cv"`
}
