// Package categorize assigns a page to one of a fixed category set using
// keyword and domain heuristics.
package categorize

import (
	"strings"
)

// Category labels for pages. General is the fallback when no category scores
// above the threshold.
const (
	Shopping  = "shopping"
	Companies = "companies"
	News      = "news"
	SaaS      = "saas"
	Cloud     = "cloud"
	Web3      = "web3"
	General   = "general"
)

const (
	keywordWeight     = 0.1
	domainBonus       = 0.3
	exactDomainBonus  = 0.5
	oracleBonus       = 0.4
	winThreshold      = 0.1
	maxKeywordScore   = 1.0
	confidenceCeiling = 0.95
)

// keyword and domain-pattern sets per category. Matching is case-insensitive
// substring search over title + description + text.
var rules = map[string]struct {
	keywords []string
	domains  []string
}{
	Shopping: {
		keywords: []string{
			"shop", "cart", "checkout", "buy now", "add to cart", "free shipping",
			"discount", "sale", "store", "product", "price", "order", "deal",
		},
		domains: []string{"shop", "store", "buy", "cart", "amazon", "ebay", "etsy"},
	},
	Companies: {
		keywords: []string{
			"about us", "our team", "careers", "our mission", "founded",
			"headquarters", "company", "leadership", "investors", "press release",
		},
		domains: []string{"corp", "inc", "group", "holdings"},
	},
	News: {
		keywords: []string{
			"breaking news", "latest news", "reported", "journalist", "editorial",
			"headline", "article", "published", "correspondent", "newsletter",
		},
		domains: []string{"news", "times", "post", "herald", "tribune", "daily"},
	},
	SaaS: {
		keywords: []string{
			"free trial", "pricing plan", "subscription", "per month", "per user",
			"dashboard", "integration", "api access", "sign up free", "platform",
			"workflow",
		},
		domains: []string{"app", "hq", "saas", "software"},
	},
	Cloud: {
		keywords: []string{
			"cloud computing", "kubernetes", "serverless", "infrastructure",
			"virtual machine", "object storage", "data center", "compute",
			"deployment", "devops", "hosting",
		},
		domains: []string{"cloud", "aws", "azure", "hosting"},
	},
	Web3: {
		keywords: []string{
			"blockchain", "cryptocurrency", "smart contract", "nft", "defi",
			"token", "wallet", "ethereum", "bitcoin", "decentralized", "dao",
			"staking",
		},
		domains: []string{"crypto", "chain", "dao", "defi", "nft", "web3"},
	},
}

var exactDomainSuffixes = []string{".com", ".org", ".io"}

// Input is the page material the categorizer scores.
type Input struct {
	Title       string
	Description string
	Text        string
	Host        string
}

// Result is a category with its confidence in [0, 0.95].
type Result struct {
	Category   string
	Confidence float64
}

// Oracle optionally nominates a category from an external signal; its pick
// receives a fixed score bonus.
type Oracle interface {
	Categorize(input Input) (category string, ok bool)
}

// Categorize scores the input against every category. Pure function.
func Categorize(input Input, oracle Oracle) Result {
	text := strings.ToLower(input.Title + " " + input.Description + " " + input.Text)
	host := strings.ToLower(input.Host)

	var oraclePick string
	if oracle != nil {
		if category, ok := oracle.Categorize(input); ok {
			oraclePick = category
		}
	}

	best := Result{Category: General}
	for category, rule := range rules {
		score := keywordScore(text, rule.keywords)
		score += domainScore(host, rule.domains)
		if category == oraclePick {
			score += oracleBonus
		}
		if score > best.Confidence {
			best = Result{Category: category, Confidence: score}
		}
	}

	if best.Confidence <= winThreshold {
		return Result{Category: General}
	}
	if best.Confidence > confidenceCeiling {
		best.Confidence = confidenceCeiling
	}
	return best
}

func keywordScore(text string, keywords []string) float64 {
	matches := 0
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			matches++
		}
	}
	score := keywordWeight * float64(matches)
	if score > maxKeywordScore {
		score = maxKeywordScore
	}
	return score
}

func domainScore(host string, patterns []string) float64 {
	for _, pattern := range patterns {
		for _, suffix := range exactDomainSuffixes {
			if host == pattern+suffix {
				return exactDomainBonus
			}
		}
	}
	for _, pattern := range patterns {
		if strings.Contains(host, pattern) {
			return domainBonus
		}
	}
	return 0
}
