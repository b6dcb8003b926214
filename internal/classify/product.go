package classify

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

// Product is what an "available" notification shows about the item.
type Product struct {
	Name     string `json:"name,omitempty"`
	Price    string `json:"price,omitempty"`
	Currency string `json:"currency,omitempty"`
	Image    string `json:"image,omitempty"`
}

var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`[$€£]\s?[\d,]+(?:\.\d{1,2})?`),
	regexp.MustCompile(`(?i)"price"\s*:\s*"?([\d,]+(?:\.\d+)?)`),
}

// ExtractProduct pulls name, price and image from product HTML, preferring
// ld+json Product data and falling back to meta tags and text patterns.
func ExtractProduct(html string) Product {
	var p Product
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return p
	}

	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		if !gjson.Valid(raw) {
			return true
		}
		node := gjson.Parse(raw)
		if node.IsArray() {
			node.ForEach(func(_, v gjson.Result) bool {
				if strings.EqualFold(v.Get("@type").String(), "Product") {
					node = v
					return false
				}
				return true
			})
		}
		if !strings.EqualFold(node.Get("@type").String(), "Product") {
			return true
		}
		p.Name = node.Get("name").String()
		offers := node.Get("offers")
		if offers.IsArray() {
			offers = offers.Get("0")
		}
		p.Price = offers.Get("price").String()
		p.Currency = offers.Get("priceCurrency").String()
		img := node.Get("image")
		if img.IsArray() {
			img = img.Get("0")
		}
		p.Image = img.String()
		return false
	})

	if p.Name == "" {
		p.Name = meta(doc, "og:title")
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if p.Image == "" {
		p.Image = meta(doc, "og:image")
	}
	if p.Image == "" {
		doc.Find("img[alt][src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			src, _ := s.Attr("src")
			lower := strings.ToLower(src)
			if strings.Contains(lower, ".jpg") || strings.Contains(lower, ".png") || strings.Contains(lower, ".webp") {
				p.Image = src
				return false
			}
			return true
		})
	}
	if p.Price == "" {
		for _, re := range pricePatterns {
			if m := re.FindStringSubmatch(html); m != nil {
				p.Price = m[len(m)-1]
				break
			}
		}
	}
	return p
}

func meta(doc *goquery.Document, property string) string {
	v, _ := doc.Find(`meta[property="` + property + `"]`).First().Attr("content")
	return strings.TrimSpace(v)
}

// Fields renders the product as notification fields.
func (p Product) Fields() map[string]string {
	out := make(map[string]string)
	if p.Name != "" {
		out["product"] = p.Name
	}
	if p.Price != "" {
		price := p.Price
		if p.Currency != "" {
			price += " " + p.Currency
		}
		out["price"] = price
	}
	return out
}
