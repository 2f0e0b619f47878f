// conf/defaults.go default values for settings
package conf

import (
	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "flowsift")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "flowsift.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 1048576)

	viper.SetDefault("source.baseurl", "https://api.census.gov/data")
	viper.SetDefault("source.apikey", "")
	viper.SetDefault("source.timeout", 30)
	viper.SetDefault("source.ratelimitms", 200)
	viper.SetDefault("source.cachettl", 60)
	viper.SetDefault("source.year", 2020)

	viper.SetDefault("ingest.concurrency", 4)
	viper.SetDefault("ingest.maxretries", 3)
	viper.SetDefault("ingest.backoffms", 500)
	viper.SetDefault("ingest.timeout", 0)
	viper.SetDefault("ingest.anchorsfile", "anchors.txt")

	viper.SetDefault("analysis.eligibility.mindestinations", 5)
	viper.SetDefault("analysis.eligibility.mintotalvolume", 100.0)
	viper.SetDefault("analysis.flagging.shareratio", 2.0)
	viper.SetDefault("analysis.flagging.minedgevolume", 100.0)
	viper.SetDefault("analysis.tolerance", 1.0)

	viper.SetDefault("region.mappingfile", "")

	viper.SetDefault("output.directory", "output/")
	viper.SetDefault("output.sqlite.enabled", false)
	viper.SetDefault("output.sqlite.path", "flowsift.db")
}
