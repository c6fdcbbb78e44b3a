package extract

import (
	"encoding/json"
	"time"

	"harvester/internal/model"
	"harvester/internal/util"
)

// Reference slots a tweet may fill.
var RefSlots = []string{"replied_to", "quoted", "retweeted"}

// Rows is the normalized output for one payload.
type Rows struct {
	// Tweets are the primary results; Refs are include-set tweets that were not.
	Tweets []model.Row
	Refs   []model.Row
	Users  []model.Row
	Media  []model.Row
	Places []model.Row
}

type refAuthor struct {
	id        string
	handle    string
	followers any
}

type lookups struct {
	followers     map[string]any // author id -> follower count
	handleToID    map[string]string
	idToHandle    map[string]string
	refToAuthorID map[string]string // include tweet id -> author id
}

// Extract normalizes a decoded payload into rows for every table. It performs no I/O.
func Extract(p *Payload, event string, intent model.Intent, now time.Time) (Rows, error) {
	var out Rows
	lk := buildLookups(p.Includes)

	primary := make(map[string]bool, len(p.Tweets))
	for i, t := range p.Tweets {
		row, err := tweetRow(t, lk, event, intent, true, now)
		if err != nil {
			return out, shapeErr(p.Body, "data[%d]: %v", i, err)
		}
		primary[*t.ID] = true
		out.Tweets = append(out.Tweets, row)
	}

	for i, t := range p.Includes.Tweets {
		if t.ID != nil && primary[*t.ID] {
			continue
		}
		// withheld or private tweets come back without an author
		if t.AuthorID == nil {
			continue
		}
		row, err := tweetRow(t, lk, event, intent, false, now)
		if err != nil {
			return out, shapeErr(p.Body, "includes.tweets[%d]: %v", i, err)
		}
		out.Refs = append(out.Refs, row)
	}

	for i, u := range p.Includes.Users {
		row, err := userRow(u, event, now)
		if err != nil {
			return out, shapeErr(p.Body, "includes.users[%d]: %v", i, err)
		}
		out.Users = append(out.Users, row)
	}

	seen := make(map[string]bool, len(p.Includes.Media))
	for i, m := range p.Includes.Media {
		row, err := mediaRow(m, event, now)
		if err != nil {
			return out, shapeErr(p.Body, "includes.media[%d]: %v", i, err)
		}
		if seen[*m.MediaKey] {
			continue
		}
		seen[*m.MediaKey] = true
		out.Media = append(out.Media, row)
	}

	for i, pl := range p.Includes.Places {
		row, err := placeRow(pl, event, now)
		if err != nil {
			return out, shapeErr(p.Body, "includes.places[%d]: %v", i, err)
		}
		out.Places = append(out.Places, row)
	}
	return out, nil
}

func buildLookups(inc model.Includes) lookups {
	lk := lookups{
		followers:     make(map[string]any, len(inc.Users)),
		handleToID:    make(map[string]string, len(inc.Users)),
		idToHandle:    make(map[string]string, len(inc.Users)),
		refToAuthorID: make(map[string]string, len(inc.Tweets)),
	}
	for _, u := range inc.Users {
		if u.ID == nil {
			continue
		}
		if u.PublicMetrics != nil && u.PublicMetrics.FollowersCount != nil {
			lk.followers[*u.ID] = *u.PublicMetrics.FollowersCount
		}
		if u.Username != nil {
			lk.handleToID[*u.Username] = *u.ID
			lk.idToHandle[*u.ID] = *u.Username
		}
	}
	for _, t := range inc.Tweets {
		if t.ID == nil || t.AuthorID == nil {
			continue
		}
		lk.refToAuthorID[*t.ID] = *t.AuthorID
	}
	return lk
}

// resolveRefs maps each reference slot of t to the referenced tweet's author,
// when both the tweet and its author are in the include-set.
func (lk lookups) resolveRefs(t model.Tweet) map[string]refAuthor {
	out := map[string]refAuthor{}
	for _, r := range t.ReferencedTweets {
		authorID, ok := lk.refToAuthorID[r.ID]
		if !ok {
			continue
		}
		handle, ok := lk.idToHandle[authorID]
		if !ok {
			continue
		}
		out[r.Type] = refAuthor{id: authorID, handle: handle, followers: lk.followers[authorID]}
	}
	return out
}

// mentions resolves every mentioned handle to an author id. One unresolved
// handle leaves both fields absent for the whole tweet.
func (lk lookups) mentions(t model.Tweet) (handles, ids []string, ok bool) {
	if t.Entities == nil || t.Entities.Mentions == nil {
		return nil, nil, false
	}
	handles = make([]string, 0, len(t.Entities.Mentions))
	ids = make([]string, 0, len(t.Entities.Mentions))
	for _, m := range t.Entities.Mentions {
		h := m.Handle()
		id, found := lk.handleToID[h]
		if !found {
			return nil, nil, false
		}
		handles = append(handles, util.StripNUL(h))
		ids = append(ids, id)
	}
	return handles, ids, true
}

func tweetRow(t model.Tweet, lk lookups, event string, intent model.Intent, direct bool, now time.Time) (model.Row, error) {
	if err := requireTweet(t); err != nil {
		return nil, err
	}
	created, err := time.Parse(time.RFC3339, *t.CreatedAt)
	if err != nil {
		return nil, err
	}
	row := model.Row{
		"id":                 *t.ID,
		"event":              event,
		"inserted_at":        now,
		"last_updated_at":    now,
		"text":               util.StripNUL(*t.Text),
		"lang":               *t.Lang,
		"author_id":          *t.AuthorID,
		"created_at":         created,
		"conversation_id":    *t.ConversationID,
		"possibly_sensitive": *t.PossiblySensitive,
		"reply_settings":     *t.ReplySettings,
		"retweet_count":      num(t.PublicMetrics.RetweetCount),
		"reply_count":        num(t.PublicMetrics.ReplyCount),
		"like_count":         num(t.PublicMetrics.LikeCount),
		"quote_count":        num(t.PublicMetrics.QuoteCount),
	}
	for _, in := range model.Intents {
		row[in.FromColumn()] = false
		row[in.DirectColumn()] = false
	}
	row[intent.FromColumn()] = true
	row[intent.DirectColumn()] = direct

	if t.Source != "" {
		row["source"] = util.StripNUL(t.Source)
	}
	if t.Entities != nil {
		if t.Entities.URLs != nil {
			row["urls"] = t.Entities.URLs
		}
		if t.Entities.Hashtags != nil {
			row["hashtags"] = tags(t.Entities.Hashtags)
		}
	}
	if t.Attachments != nil && t.Attachments.MediaKeys != nil {
		row["media_keys"] = t.Attachments.MediaKeys
	}
	if t.Geo != nil && t.Geo.PlaceID != "" {
		row["place_id"] = t.Geo.PlaceID
	}
	if handles, ids, ok := lk.mentions(t); ok {
		row["mentioned_handles"] = handles
		row["mentioned_author_ids"] = ids
	}
	if h, ok := lk.idToHandle[*t.AuthorID]; ok {
		row["author_handle"] = h
	}
	if f, ok := lk.followers[*t.AuthorID]; ok {
		row["author_follower_count"] = f
	}
	for _, r := range t.ReferencedTweets {
		row[r.Type] = r.ID
	}
	for slot, a := range lk.resolveRefs(t) {
		row[slot+"_author_id"] = a.id
		row[slot+"_handle"] = a.handle
		row[slot+"_follower_count"] = a.followers
	}
	return row, nil
}

func requireTweet(t model.Tweet) error {
	switch {
	case t.ID == nil:
		return missing("id")
	case t.Text == nil:
		return missing("text")
	case t.Lang == nil:
		return missing("lang")
	case t.AuthorID == nil:
		return missing("author_id")
	case t.CreatedAt == nil:
		return missing("created_at")
	case t.ConversationID == nil:
		return missing("conversation_id")
	case t.PossiblySensitive == nil:
		return missing("possibly_sensitive")
	case t.ReplySettings == nil:
		return missing("reply_settings")
	case t.PublicMetrics == nil:
		return missing("public_metrics")
	}
	return nil
}

func userRow(u model.User, event string, now time.Time) (model.Row, error) {
	switch {
	case u.ID == nil:
		return nil, missing("id")
	case u.Username == nil:
		return nil, missing("username")
	case u.CreatedAt == nil:
		return nil, missing("created_at")
	case u.PublicMetrics == nil:
		return nil, missing("public_metrics")
	case u.ProfileImageURL == nil:
		return nil, missing("profile_image_url")
	case u.Verified == nil:
		return nil, missing("verified")
	}
	created, err := time.Parse(time.RFC3339, *u.CreatedAt)
	if err != nil {
		return nil, err
	}
	row := model.Row{
		"id":                *u.ID,
		"event":             event,
		"inserted_at":       now,
		"last_updated_at":   now,
		"created_at":        created,
		"followers_count":   num(u.PublicMetrics.FollowersCount),
		"following_count":   num(u.PublicMetrics.FollowingCount),
		"tweet_count":       num(u.PublicMetrics.TweetCount),
		"profile_image_url": *u.ProfileImageURL,
		"verified":          *u.Verified,
		"username":          util.StripNUL(*u.Username),
		"name":              util.StripNULPtr(u.Name),
		"description":       util.StripNULPtr(u.Description),
		"location":          util.StripNULPtr(u.Location),
		"pinned_tweet_id":   util.StripNULPtr(u.PinnedTweetID),
	}
	if e := u.Entities; e != nil {
		if e.URL != nil && len(e.URL.URLs) > 0 && e.URL.URLs[0].ExpandedURL != "" {
			row["url"] = e.URL.URLs[0].ExpandedURL
		}
		if d := e.Description; d != nil {
			if d.URLs != nil {
				row["description_urls"] = d.URLs
			}
			if d.Hashtags != nil {
				row["description_hashtags"] = tags(d.Hashtags)
			}
			if d.Mentions != nil {
				handles := make([]string, len(d.Mentions))
				for i, m := range d.Mentions {
					handles[i] = util.StripNUL(m.Handle())
				}
				row["description_mentions"] = handles
			}
		}
	}
	return row, nil
}

func mediaRow(m model.Media, event string, now time.Time) (model.Row, error) {
	switch {
	case m.MediaKey == nil:
		return nil, missing("media_key")
	case m.Type == nil:
		return nil, missing("type")
	}
	row := model.Row{
		"id":                *m.MediaKey,
		"event":             event,
		"inserted_at":       now,
		"last_updated_at":   now,
		"type":              *m.Type,
		"duration_ms":       num(m.DurationMS),
		"height":            num(m.Height),
		"width":             num(m.Width),
		"preview_image_url": util.StripNULPtr(m.PreviewImageURL),
	}
	if m.PublicMetrics != nil {
		row["view_count"] = num(m.PublicMetrics.ViewCount)
	}
	return row, nil
}

func placeRow(p model.Place, event string, now time.Time) (model.Row, error) {
	switch {
	case p.ID == nil:
		return nil, missing("id")
	case p.FullName == nil:
		return nil, missing("full_name")
	}
	row := model.Row{
		"id":              *p.ID,
		"event":           event,
		"inserted_at":     now,
		"last_updated_at": now,
		"full_name":       util.StripNUL(*p.FullName),
		"name":            util.StripNULPtr(p.Name),
		"country":         util.StripNULPtr(p.Country),
		"country_code":    util.StripNULPtr(p.CountryCode),
		"place_type":      util.StripNULPtr(p.PlaceType),
	}
	if len(p.Geo) > 0 && string(p.Geo) != "null" {
		row["geo"] = json.RawMessage(p.Geo)
	}
	return row, nil
}

type missingField string

func (m missingField) Error() string { return "missing " + string(m) }

func missing(field string) error { return missingField(field) }

func tags(in []model.Tag) []string {
	out := make([]string, len(in))
	for i, t := range in {
		out[i] = util.StripNUL(t.Tag)
	}
	return out
}

func num(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
