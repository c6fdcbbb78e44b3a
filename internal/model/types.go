package model

import "encoding/json"

// Page is one response body from the search, counts or stream endpoints.
// Data stays raw because the stream returns a single object and search an array.
type Page struct {
	Data     json.RawMessage `json:"data"`
	Includes *Includes       `json:"includes"`
	Meta     *Meta           `json:"meta"`
}

// Meta carries pagination and count information.
type Meta struct {
	NextToken       string `json:"next_token"`
	ResultCount     *int   `json:"result_count"`
	TotalTweetCount *int   `json:"total_tweet_count"`
}

// Includes holds the expansion objects referenced by the primary results.
type Includes struct {
	Users  []User  `json:"users"`
	Tweets []Tweet `json:"tweets"`
	Media  []Media `json:"media"`
	Places []Place `json:"places"`
}

// Tweet is the subset of the v2 tweet object the extractor reads.
// Pointer fields are documented as always present; their absence is a payload-shape violation.
type Tweet struct {
	ID                *string           `json:"id"`
	Text              *string           `json:"text"`
	Lang              *string           `json:"lang"`
	AuthorID          *string           `json:"author_id"`
	CreatedAt         *string           `json:"created_at"`
	ConversationID    *string           `json:"conversation_id"`
	PossiblySensitive *bool             `json:"possibly_sensitive"`
	ReplySettings     *string           `json:"reply_settings"`
	PublicMetrics     *TweetMetrics     `json:"public_metrics"`
	Source            string            `json:"source"`
	Entities          *TweetEntities    `json:"entities"`
	Attachments       *Attachments      `json:"attachments"`
	Geo               *Geo              `json:"geo"`
	ReferencedTweets  []ReferencedTweet `json:"referenced_tweets"`
}

type TweetMetrics struct {
	RetweetCount *int `json:"retweet_count"`
	ReplyCount   *int `json:"reply_count"`
	LikeCount    *int `json:"like_count"`
	QuoteCount   *int `json:"quote_count"`
}

type TweetEntities struct {
	URLs     []json.RawMessage `json:"urls"`
	Hashtags []Tag             `json:"hashtags"`
	Mentions []Mention         `json:"mentions"`
}

// Tag is a hashtag or cashtag entity.
type Tag struct {
	Tag string `json:"tag"`
}

// Mention is a user mention entity. Older payloads carry the handle in tag.
type Mention struct {
	Username string `json:"username"`
	Tag      string `json:"tag"`
}

func (m Mention) Handle() string {
	if m.Username != "" {
		return m.Username
	}
	return m.Tag
}

type Attachments struct {
	MediaKeys []string `json:"media_keys"`
}

type Geo struct {
	PlaceID string `json:"place_id"`
}

// ReferencedTweet links a tweet to the tweet it replies to, quotes or retweets.
type ReferencedTweet struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// User is the subset of the v2 user object the extractor reads.
type User struct {
	ID              *string       `json:"id"`
	Username        *string       `json:"username"`
	CreatedAt       *string       `json:"created_at"`
	PublicMetrics   *UserMetrics  `json:"public_metrics"`
	ProfileImageURL *string       `json:"profile_image_url"`
	Verified        *bool         `json:"verified"`
	Name            *string       `json:"name"`
	Description     *string       `json:"description"`
	Location        *string       `json:"location"`
	PinnedTweetID   *string       `json:"pinned_tweet_id"`
	Entities        *UserEntities `json:"entities"`
}

type UserMetrics struct {
	FollowersCount *int `json:"followers_count"`
	FollowingCount *int `json:"following_count"`
	TweetCount     *int `json:"tweet_count"`
}

type UserEntities struct {
	URL *struct {
		URLs []struct {
			ExpandedURL string `json:"expanded_url"`
		} `json:"urls"`
	} `json:"url"`
	Description *struct {
		URLs     []json.RawMessage `json:"urls"`
		Hashtags []Tag             `json:"hashtags"`
		Mentions []Mention         `json:"mentions"`
	} `json:"description"`
}

// Media is an attachment object from includes.media.
type Media struct {
	MediaKey        *string `json:"media_key"`
	Type            *string `json:"type"`
	Height          *int    `json:"height"`
	Width           *int    `json:"width"`
	DurationMS      *int    `json:"duration_ms"`
	PreviewImageURL *string `json:"preview_image_url"`
	PublicMetrics   *struct {
		ViewCount *int `json:"view_count"`
	} `json:"public_metrics"`
}

// Place is a geo place object from includes.places.
type Place struct {
	ID          *string         `json:"id"`
	FullName    *string         `json:"full_name"`
	Name        *string         `json:"name"`
	Country     *string         `json:"country"`
	CountryCode *string         `json:"country_code"`
	PlaceType   *string         `json:"place_type"`
	Geo         json.RawMessage `json:"geo"`
}

// Row is one normalized record keyed by column name. A nil value is an absent field.
type Row map[string]any

// Table names the extractor emits rows for.
const (
	TableTweets = "tweets"
	TableUsers  = "users"
	TableMedia  = "media"
	TablePlaces = "places"
)

// Tables lists the sink tables in write order.
var Tables = []string{TableTweets, TableUsers, TableMedia, TablePlaces}
