package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/omeid/uconfig"

	"github.com/seismonet/go-seismonet/pkg/alerts"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// configFilename is the filename of the config file automatically loaded.
var configFilename = "config.json"

type config struct {
	HTTP struct {
		Port                   string `default:"8080"`
		JWTSecret              string `default:""`
		JWTIssuer              string `default:"seismonet"`
		JWTAudience            string `default:"seismonet-api"`
		MaxRequestPerInterval  uint64 `default:"10"`
		RateLimIntervalSeconds int    `default:"1"`
	}
	Log struct {
		Human bool `default:"false"`
		Debug bool `default:"false"`
	}

	Catalog struct {
		BaseURL       string  `default:"https://earthquake.usgs.gov/fdsnws/event/1"`
		CacheTTLSecs  int     `default:"300"`
		RPS           float64 `default:"2"`
		Burst         int     `default:"4"`
		TimeoutSecs   int     `default:"10"`
		MaxRetries    int     `default:"3"`
		BackoffMillis int     `default:"500"`
		SyncMins      int     `default:"10"`
	}
	Waveform struct {
		BaseURL       string  `default:"http://localhost:9100/dataselect/1"`
		CacheTTLSecs  int     `default:"60"`
		RPS           float64 `default:"5"`
		Burst         int     `default:"10"`
		TimeoutSecs   int     `default:"15"`
		MaxRetries    int     `default:"3"`
		BackoffMillis int     `default:"200"`
	}
	Resilience struct {
		BreakerThreshold uint32 `default:"5"`
		BreakerCoolSecs  int    `default:"30"`
	}

	Pipeline struct {
		Channels      string  `default:""` // comma-separated NET.STA.LOC.CHA
		PollSecs      int     `default:"10"`
		QueueSize     int     `default:"64"`
		Workers       int     `default:"4"`
		ReorderSecs   int     `default:"30"`
		BandLowHz     float64 `default:"1"`
		BandHighHz    float64 `default:"20"`
		FilterOrder   int     `default:"4"`
		TargetRate    float64 `default:"100"`
		TaperFraction float64 `default:"0.05"`
		MinQuality    float64 `default:"0.3"`
	}
	Detector struct {
		STASecs        float64 `default:"1"`
		LTASecs        float64 `default:"30"`
		ROn            float64 `default:"3.5"`
		ROff           float64 `default:"1.5"`
		DMinSecs       float64 `default:"2"`
		DMaxSecs       float64 `default:"120"`
		PreRollSecs    float64 `default:"10"`
		PostRollSecs   float64 `default:"30"`
		RefractorySecs float64 `default:"10"`
	}
	Features struct {
		SchemaID string `default:"sf-v1"`
		Bands    string `default:"1-3,3-10,10-20"` // comma-separated LOW-HIGH pairs in Hz
		Wavelet  string `default:"db4"`
		Levels   int    `default:"4"`
	}
	Model struct {
		Path  string  `default:"model.json"`
		Scale string  `default:"Ml"`
		Alpha float64 `default:"0.05"`
	}
	Locator struct {
		VelocityModelPath string  `default:""`
		StationsPath      string  `default:""`
		MinStations       int     `default:"4"`
		GridStepDeg       float64 `default:"0.1"`
		GridRadiusDeg     float64 `default:"1.5"`
		DepthStepKm       float64 `default:"5"`
		MaxDepthKm        float64 `default:"60"`
		Eps               float64 `default:"0.0001"`
		MaxIterations     int     `default:"25"`
	}

	Store struct {
		Dir         string `default:"data/events"`
		Fsync       string `default:"per_write"`
		FsyncMillis int    `default:"1000"`
		MetaDBURI   string `default:"file:data/meta.db"`
	}
	Backup struct {
		Enabled      bool   `default:"true"`
		Dir          string `default:"data/backups"`
		IntervalMins int    `default:"60"`
		Compression  bool   `default:"true"`
		Pruning      bool   `default:"true"`
		KeepFiles    int    `default:"5"`
	}
	Alerts struct {
		RulesPath            string  `default:""`
		DedupWindowSecs      int     `default:"300"`
		SubscriberRPS        float64 `default:"1"`
		SubscriberBurst      int     `default:"5"`
		WebhookURL           string  `default:""`
		WebhookMaxRetries    int     `default:"3"`
		WebhookBackoffMillis int     `default:"1000"`
	}
}

func setupConfig() (*config, error) {
	conf := &config{}
	confFiles := uconfig.Files{
		{configFilename, json.Unmarshal},
	}

	c, err := uconfig.Classic(&conf, confFiles)
	if err != nil {
		if c != nil {
			c.Usage()
		}
		return nil, err
	}
	return conf, nil
}

// parseChannels decodes the comma-separated channel list, e.g.
// "NC.MCB..HHZ,NC.MDP..HHZ".
func parseChannels(raw string) ([]seismic.ChannelID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("no channels configured")
	}
	parts := strings.Split(raw, ",")
	out := make([]seismic.ChannelID, 0, len(parts))
	for _, p := range parts {
		fields := strings.Split(strings.TrimSpace(p), ".")
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed channel %q, want NET.STA.LOC.CHA", p)
		}
		out = append(out, seismic.ChannelID{
			Network:  fields[0],
			Station:  fields[1],
			Location: fields[2],
			Channel:  fields[3],
		})
	}
	return out, nil
}

// parseBands decodes the comma-separated band list, e.g. "1-3,3-10,10-20".
func parseBands(raw string) ([][2]float64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("no feature bands configured")
	}
	parts := strings.Split(raw, ",")
	out := make([][2]float64, 0, len(parts))
	for _, p := range parts {
		fields := strings.Split(strings.TrimSpace(p), "-")
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed band %q, want LOW-HIGH", p)
		}
		low, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed band %q: %s", p, err)
		}
		high, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed band %q: %s", p, err)
		}
		out = append(out, [2]float64{low, high})
	}
	return out, nil
}

// loadRules reads the alert rules JSON file, a list of alerts.Rule. An empty
// path keeps the built-in rules.
func loadRules(path string) ([]alerts.Rule, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading alert rules file: %s", err)
	}
	var rules []alerts.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decoding alert rules file: %s", err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("alert rules file %q declares no rules", path)
	}
	return rules, nil
}

// loadStations reads the station registry JSON file, a list of StationCoord.
func loadStations(path string) ([]seismic.StationCoord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stations file: %s", err)
	}
	var stations []seismic.StationCoord
	if err := json.Unmarshal(raw, &stations); err != nil {
		return nil, fmt.Errorf("decoding stations file: %s", err)
	}
	return stations, nil
}
