package source

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidQuery is returned when query parameters cannot form a query.
var ErrInvalidQuery = errors.New("invalid query")

// Query selects sources. Each variant carries only the fields relevant to it.
type Query interface {
	Describe() string
	Match(s Source) bool
}

// SourceQuery matches on plain source attributes. Empty fields match anything.
type SourceQuery struct {
	Name     string
	Kind     string
	Provider string
	Language string
}

func (q SourceQuery) Describe() string {
	var parts []string

	for _, kv := range [][2]string{
		{"name", q.Name},
		{"kind", q.Kind},
		{"provider", q.Provider},
		{"language", q.Language},
	} {
		if kv[1] != "" {
			parts = append(parts, fmt.Sprintf("%s=%q", kv[0], kv[1]))
		}
	}

	if len(parts) == 0 {
		return "all sources"
	}

	return "sources with " + strings.Join(parts, ", ")
}

func (q SourceQuery) Match(s Source) bool {
	if q.Name != "" && !strings.Contains(normalize(s.DisplayName()), normalize(q.Name)) {
		return false
	}

	if q.Kind != "" && !strings.EqualFold(q.Kind, s.Kind) {
		return false
	}

	if q.Provider != "" && !strings.EqualFold(q.Provider, s.Provider) {
		return false
	}

	if q.Language != "" && !strings.EqualFold(q.Language, s.Language) {
		return false
	}

	return true
}

// EpisodeQuery matches episodes of a series. Zero season or episode match any.
type EpisodeQuery struct {
	Series  string
	Season  int
	Episode int
}

func (q EpisodeQuery) Describe() string {
	switch {
	case q.Season > 0 && q.Episode > 0:
		return fmt.Sprintf("%s S%02dE%02d", q.Series, q.Season, q.Episode)
	case q.Season > 0:
		return fmt.Sprintf("%s S%02d", q.Series, q.Season)
	default:
		return q.Series
	}
}

var episodePattern = regexp.MustCompile(`(?i)\bs(\d{1,2})e(\d{1,3})\b|\b(\d{1,2})x(\d{2,3})\b`)

func (q EpisodeQuery) Match(s Source) bool {
	if s.Kind != "" && !strings.EqualFold(s.Kind, "episode") {
		return false
	}

	if !strings.Contains(normalize(s.DisplayName()), normalize(q.Series)) {
		return false
	}

	if q.Season == 0 && q.Episode == 0 {
		return true
	}

	season, episode, ok := parseEpisode(s.DisplayName())
	if !ok {
		return false
	}

	if q.Season > 0 && season != q.Season {
		return false
	}

	return q.Episode == 0 || episode == q.Episode
}

// MovieQuery matches movies by title and, optionally, release year.
type MovieQuery struct {
	Title string
	Year  int
}

func (q MovieQuery) Describe() string {
	if q.Year > 0 {
		return fmt.Sprintf("%s (%d)", q.Title, q.Year)
	}

	return q.Title
}

func (q MovieQuery) Match(s Source) bool {
	if s.Kind != "" && !strings.EqualFold(s.Kind, "movie") {
		return false
	}

	name := normalize(s.DisplayName())
	if !strings.Contains(name, normalize(q.Title)) {
		return false
	}

	return q.Year == 0 || strings.Contains(name, strconv.Itoa(q.Year))
}

// ParseQuery builds the query variant selected by the "kind" parameter.
func ParseQuery(values url.Values) (Query, error) {
	switch strings.ToLower(values.Get("kind")) {
	case "episode":
		series := values.Get("series")
		if series == "" {
			return nil, fmt.Errorf("%w: episode query requires series", ErrInvalidQuery)
		}

		season, err := optionalInt(values, "season")
		if err != nil {
			return nil, err
		}

		episode, err := optionalInt(values, "episode")
		if err != nil {
			return nil, err
		}

		return EpisodeQuery{Series: series, Season: season, Episode: episode}, nil
	case "movie":
		title := values.Get("title")
		if title == "" {
			return nil, fmt.Errorf("%w: movie query requires title", ErrInvalidQuery)
		}

		year, err := optionalInt(values, "year")
		if err != nil {
			return nil, err
		}

		return MovieQuery{Title: title, Year: year}, nil
	default:
		return SourceQuery{
			Name:     values.Get("name"),
			Kind:     values.Get("kind"),
			Provider: values.Get("provider"),
			Language: values.Get("language"),
		}, nil
	}
}

// Filter returns the sources matched by q, preserving order.
func Filter(q Query, sources []Source) []Source {
	matched := make([]Source, 0, len(sources))

	for _, s := range sources {
		if q.Match(s) {
			matched = append(matched, s)
		}
	}

	return matched
}

func optionalInt(values url.Values, key string) (int, error) {
	raw := values.Get(key)
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidQuery, key)
	}

	return n, nil
}

func parseEpisode(name string) (season, episode int, ok bool) {
	m := episodePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}

	s, e := m[1], m[2]
	if s == "" {
		s, e = m[3], m[4]
	}

	season, _ = strconv.Atoi(s)
	episode, _ = strconv.Atoi(e)

	return season, episode, true
}

var separators = strings.NewReplacer(".", " ", "_", " ", "-", " ")

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(separators.Replace(s))), " ")
}
