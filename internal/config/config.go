package config

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the harvester's configuration model.
// It captures credentials, API endpoints, request shaping, output locations and the sink's column contract.
type Config struct {
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Endpoints     EndpointsConfig     `yaml:"endpoints"`
	RateLimits    RateLimitsConfig    `yaml:"rateLimits"`
	RequestFields RequestFieldsConfig `yaml:"requestFields"`
	Expansions    []string            `yaml:"expansions"`
	Input         InputConfig         `yaml:"input"`
	Output        OutputConfig        `yaml:"output"`
	Sink          SinkConfig          `yaml:"sink"`
	// table -> column -> declared SQL type
	InsertFields map[string]map[string]string `yaml:"insertFields"`
	// table -> columns overwritten on conflict
	UpdateFields map[string][]string `yaml:"updateFields"`
	Search       SearchConfig        `yaml:"search"`
	Stream       StreamConfig        `yaml:"stream"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Logging      LoggingConfig       `yaml:"logging"`
}

type CredentialsConfig struct {
	// X API bearer token. If empty, read from env X_BEARER_TOKEN
	BearerToken string `yaml:"bearerToken"`
}

type EndpointsConfig struct {
	Search string `yaml:"search"`
	Count  string `yaml:"count"`
	Rules  string `yaml:"rules"`
	Stream string `yaml:"stream"`
}

type RateLimitsConfig struct {
	// Calls permitted per 15 minute window on the archive search endpoint.
	Search int `yaml:"search"`
}

type RequestFieldsConfig struct {
	Tweets []string `yaml:"tweets"`
	Users  []string `yaml:"users"`
	Media  []string `yaml:"media"`
	Places []string `yaml:"places"`
}

// InputConfig names the directories holding per-event query and rule files.
type InputConfig struct {
	Search string `yaml:"search"`
	Stream string `yaml:"stream"`
}

type OutputConfig struct {
	JSON   JSONOutputConfig `yaml:"json"`
	Schema string           `yaml:"schema"`
	Tables TablesConfig     `yaml:"tables"`
}

type JSONOutputConfig struct {
	Search string `yaml:"search"`
	Stream string `yaml:"stream"`
}

type TablesConfig struct {
	Tweets string `yaml:"tweets"`
	Users  string `yaml:"users"`
	Media  string `yaml:"media"`
	Places string `yaml:"places"`
}

type SinkConfig struct {
	// "sqlite" or "postgres"
	Driver string `yaml:"driver"`
	// If empty, read from env HARVESTER_DSN
	DSN string `yaml:"dsn"`
}

type SearchConfig struct {
	MaxResults  int    `yaml:"maxResults"`
	Granularity string `yaml:"granularity"`
}

type StreamConfig struct {
	TimeoutMins int `yaml:"timeoutMins"`
}

type MetricsConfig struct {
	// If empty, read from env METRICS_ADDR; still empty disables the server.
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level           string `yaml:"level"`
	ReportEveryMins int    `yaml:"reportEveryMins"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Endpoints: EndpointsConfig{
			Search: "https://api.twitter.com/2/tweets/search/all",
			Count:  "https://api.twitter.com/2/tweets/counts/all",
			Rules:  "https://api.twitter.com/2/tweets/search/stream/rules",
			Stream: "https://api.twitter.com/2/tweets/search/stream",
		},
		RateLimits: RateLimitsConfig{Search: 300},
		RequestFields: RequestFieldsConfig{
			Tweets: []string{"attachments", "author_id", "conversation_id", "created_at", "entities", "geo", "id", "lang",
				"possibly_sensitive", "public_metrics", "referenced_tweets", "reply_settings", "source", "text"},
			Users: []string{"created_at", "description", "entities", "id", "location", "name", "pinned_tweet_id",
				"profile_image_url", "public_metrics", "url", "username", "verified"},
			Media:  []string{"duration_ms", "height", "media_key", "preview_image_url", "public_metrics", "type", "width"},
			Places: []string{"contained_within", "country", "country_code", "full_name", "geo", "id", "name", "place_type"},
		},
		Expansions: []string{"attachments.media_keys", "author_id", "entities.mentions.username", "geo.place_id",
			"in_reply_to_user_id", "referenced_tweets.id", "referenced_tweets.id.author_id"},
		Input: InputConfig{Search: "./input/search", Stream: "./input/stream"},
		Output: OutputConfig{
			JSON:   JSONOutputConfig{Search: "./output/search", Stream: "./output/stream"},
			Tables: TablesConfig{Tweets: "tweets", Users: "users", Media: "media", Places: "places"},
		},
		Sink:         SinkConfig{Driver: "sqlite"},
		InsertFields: defaultInsertFields(),
		UpdateFields: map[string][]string{
			"tweets": {"last_updated_at", "retweet_count", "reply_count", "like_count", "quote_count"},
			"users": {"last_updated_at", "followers_count", "following_count", "tweet_count", "description",
				"location", "name", "username", "profile_image_url", "verified"},
			"media": {"last_updated_at", "view_count"},
		},
		Search:  SearchConfig{MaxResults: 500, Granularity: "hour"},
		Stream:  StreamConfig{TimeoutMins: 15},
		Logging: LoggingConfig{Level: "info", ReportEveryMins: 15},
	}
}

func defaultInsertFields() map[string]map[string]string {
	tweets := map[string]string{
		"id": "TEXT", "event": "TEXT", "inserted_at": "TIMESTAMPTZ", "last_updated_at": "TIMESTAMPTZ",
		"text": "TEXT", "lang": "TEXT", "author_id": "TEXT", "author_handle": "TEXT",
		"author_follower_count": "INTEGER", "created_at": "TIMESTAMPTZ", "conversation_id": "TEXT",
		"possibly_sensitive": "BOOLEAN", "reply_settings": "TEXT", "source": "TEXT",
		"retweet_count": "INTEGER", "reply_count": "INTEGER", "like_count": "INTEGER", "quote_count": "INTEGER",
		"hashtags": "TEXT[]", "urls": "JSONB[]", "media_keys": "TEXT[]", "place_id": "TEXT",
		"mentioned_handles": "TEXT[]", "mentioned_author_ids": "TEXT[]",
	}
	for _, intent := range []string{"search", "stream", "convo_search", "quote_search", "timeline_search"} {
		tweets["from_"+intent] = "BOOLEAN"
		tweets["directly_from_"+intent] = "BOOLEAN"
	}
	for _, slot := range []string{"replied_to", "quoted", "retweeted"} {
		tweets[slot] = "TEXT"
		tweets[slot+"_author_id"] = "TEXT"
		tweets[slot+"_handle"] = "TEXT"
		tweets[slot+"_follower_count"] = "INTEGER"
	}
	return map[string]map[string]string{
		"tweets": tweets,
		"users": {
			"id": "TEXT", "event": "TEXT", "inserted_at": "TIMESTAMPTZ", "last_updated_at": "TIMESTAMPTZ",
			"created_at": "TIMESTAMPTZ", "followers_count": "INTEGER", "following_count": "INTEGER",
			"tweet_count": "INTEGER", "url": "TEXT", "profile_image_url": "TEXT", "description_urls": "JSONB[]",
			"description_hashtags": "TEXT[]", "description_mentions": "TEXT[]", "verified": "BOOLEAN",
			"description": "TEXT", "location": "TEXT", "pinned_tweet_id": "TEXT", "name": "TEXT", "username": "TEXT",
		},
		"media": {
			"id": "TEXT", "event": "TEXT", "inserted_at": "TIMESTAMPTZ", "last_updated_at": "TIMESTAMPTZ",
			"type": "TEXT", "duration_ms": "INTEGER", "height": "INTEGER", "width": "INTEGER",
			"preview_image_url": "TEXT", "view_count": "INTEGER",
		},
		"places": {
			"id": "TEXT", "event": "TEXT", "inserted_at": "TIMESTAMPTZ", "last_updated_at": "TIMESTAMPTZ",
			"name": "TEXT", "full_name": "TEXT", "country": "TEXT", "country_code": "TEXT", "geo": "JSONB",
			"place_type": "TEXT",
		},
	}
}

// TableNames maps each logical table to its schema-qualified name.
func (c Config) TableNames() map[string]string {
	q := func(name string) string {
		if c.Output.Schema == "" {
			return name
		}
		return c.Output.Schema + "." + name
	}
	return map[string]string{
		"tweets": q(c.Output.Tables.Tweets),
		"users":  q(c.Output.Tables.Users),
		"media":  q(c.Output.Tables.Media),
		"places": q(c.Output.Tables.Places),
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.Credentials.BearerToken == "" {
		c.Credentials.BearerToken = os.Getenv("X_BEARER_TOKEN")
	}
	if c.Sink.DSN == "" {
		c.Sink.DSN = os.Getenv("HARVESTER_DSN")
	}
	if c.Sink.DSN == "" && c.Sink.Driver == "sqlite" {
		c.Sink.DSN = "./harvester.db"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = os.Getenv("METRICS_ADDR")
	}
}

// Load reads YAML config from path. Keys missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
