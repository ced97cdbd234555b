package classify

import (
	"regexp"
	"strings"
)

// Category is the coarse market category attached to every classified trade.
type Category string

const (
	CategorySports        Category = "sports"
	CategoryCrypto        Category = "crypto"
	CategoryPolitics      Category = "politics"
	CategoryEntertainment Category = "entertainment"
	CategoryOther         Category = "other"

	// Tag-only categories. They never leave the classifier.
	categoryFinance     Category = "finance"
	categoryEconomy     Category = "economy"
	categoryGeopolitics Category = "geopolitics"
)

// conflictingCategories overrule sports text heuristics when a market's tags
// carry any of them.
var conflictingCategories = map[Category]bool{
	categoryFinance:     true,
	categoryEconomy:     true,
	CategoryCrypto:      true,
	categoryGeopolitics: true,
}

// sportsSlugs are group and tag slugs that always mean sports.
var sportsSlugs = map[string]bool{
	"sports": true, "nba": true, "nfl": true, "mlb": true, "nhl": true, "soccer": true,
	"football": true, "basketball": true, "baseball": true, "hockey": true, "tennis": true,
	"golf": true, "ufc": true, "mma": true, "boxing": true, "f1": true, "formula-1": true,
	"cricket": true, "esports": true, "league-of-legends": true, "dota": true, "csgo": true,
	"valorant": true, "nba-games": true, "nfl-games": true, "epl": true,
	"premier-league": true, "champions-league": true,
}

// tagCategories maps tag slugs and labels (lower-cased) to a category.
var tagCategories = func() map[string]Category {
	m := map[string]Category{
		"crypto": CategoryCrypto, "bitcoin": CategoryCrypto, "ethereum": CategoryCrypto,
		"solana": CategoryCrypto, "crypto-prices": CategoryCrypto, "defi": CategoryCrypto,
		"memecoins": CategoryCrypto, "xrp": CategoryCrypto,

		"politics": CategoryPolitics, "us-politics": CategoryPolitics, "elections": CategoryPolitics,
		"us-election": CategoryPolitics, "global-elections": CategoryPolitics, "trump": CategoryPolitics,
		"congress": CategoryPolitics, "senate": CategoryPolitics,

		"finance": categoryFinance, "stocks": categoryFinance, "business": categoryFinance,
		"fed": categoryFinance, "fed-rates": categoryFinance, "ipos": categoryFinance,

		"economy": categoryEconomy, "economics": categoryEconomy, "inflation": categoryEconomy,
		"gdp": categoryEconomy, "recession": categoryEconomy,

		"geopolitics": categoryGeopolitics, "world": categoryGeopolitics, "ukraine": categoryGeopolitics,
		"russia": categoryGeopolitics, "israel": categoryGeopolitics, "middle-east": categoryGeopolitics,
		"china": categoryGeopolitics,

		"pop-culture": CategoryEntertainment, "culture": CategoryEntertainment,
		"entertainment": CategoryEntertainment, "movies": CategoryEntertainment,
		"music": CategoryEntertainment, "awards": CategoryEntertainment, "tv": CategoryEntertainment,
		"celebrities": CategoryEntertainment,
	}
	for slug := range sportsSlugs {
		m[slug] = CategorySports
	}
	return m
}()

// sportsKeywords are leagues, teams, athletes and tournaments matched against
// trade text.
var sportsKeywords = []string{
	"nba", "nfl", "mlb", "nhl", "ufc", "boxing", "soccer", "basketball", "baseball",
	"hockey", "tennis", "golf", "f1", "epl", "premier-league", "premier league",
	"super-bowl", "super bowl", "world-series", "world series", "stanley-cup", "stanley cup",
	"esports", "league-of-legends", "league of legends", "dota", "csgo", "valorant",
	"champions-league", "champions league", "mma", "cricket", "fifa", "world-cup",
	"world cup", "olympics", "ncaa", "college-football", "college-basketball", "wimbledon",
	"grand prix", "la liga", "serie a", "bundesliga",
	"warriors", "lakers", "celtics", "nets", "bulls", "knicks", "patriots", "chiefs",
	"cowboys", "eagles", "packers", "49ers", "yankees", "dodgers", "red sox", "cubs",
	"mets", "braves", "lebron", "curry", "durant", "mahomes", "brady", "ronaldo", "messi",
}

var categoryKeywords = []struct {
	category Category
	words    []string
}{
	{CategoryCrypto, []string{
		"bitcoin", "btc", "ethereum", "eth", "solana", "sol", "crypto", "xrp", "doge",
		"dogecoin", "memecoin", "stablecoin", "binance", "coinbase", "satoshi", "altcoin",
	}},
	{CategoryPolitics, []string{
		"election", "president", "presidential", "senate", "congress", "governor", "trump",
		"biden", "harris", "democrat", "republican", "gop", "parliament", "prime minister",
		"vote", "mayor", "cabinet", "impeach", "primary", "nominee", "tariff",
	}},
	{CategoryEntertainment, []string{
		"oscar", "oscars", "grammy", "grammys", "emmy", "movie", "film", "box office",
		"album", "billboard", "netflix", "taylor swift", "celebrity", "tv show", "spotify",
		"youtube", "mrbeast", "eurovision", "golden globe",
	}},
}

var sportsPhrases = []*regexp.Regexp{
	regexp.MustCompile(`\b\w+ vs\.? \w+`),
	regexp.MustCompile(`will .+ win on (\d{4}-\d{2}-\d{2}|(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)\w* \d{1,2})`),
	regexp.MustCompile(`end in a draw`),
}

// containsKeyword reports whether kw occurs in text. Keywords of four
// characters or fewer must sit between non-alphanumerics or string ends.
// Both arguments are expected lower-cased.
func containsKeyword(text, kw string) bool {
	if kw == "" {
		return false
	}
	if len(kw) > 4 {
		return strings.Contains(text, kw)
	}
	for from := 0; from <= len(text)-len(kw); {
		i := strings.Index(text[from:], kw)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(kw)
		if (start == 0 || !isAlnum(text[start-1])) && (end == len(text) || !isAlnum(text[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if containsKeyword(text, kw) {
			return true
		}
	}
	return false
}

// keywordCategory resolves a non-sports category from text alone.
func keywordCategory(text string) Category {
	for _, group := range categoryKeywords {
		if containsAny(text, group.words) {
			return group.category
		}
	}
	return CategoryOther
}

func matchesSportsPhrase(text string) bool {
	for _, re := range sportsPhrases {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
