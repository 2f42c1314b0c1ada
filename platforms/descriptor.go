// Package platforms implements the scanner layer: one value per marketplace
// in the closed platform set, all speaking the marketscan.Scanner
// capability. A shared HTML engine does the fetching, pagination and
// goquery extraction; platforms differ only in their Descriptor. eBay
// additionally has an API-backed scanner used when credentials are
// configured.
package platforms

import (
	"time"

	"github.com/openconservation/marketscan"
)

// Pagination styles. Offset-style platforms reuse the numeric placeholder
// with a stride (craigslist counts rows, not pages).
type Pagination int

const (
	// PageNumber platforms take a 1-based (or 0-based) page parameter.
	PageNumber Pagination = iota
	// OffsetNumber platforms take a result offset with a per-page stride.
	OffsetNumber
	// InfiniteScroll platforms render results with JavaScript and need a
	// headless renderer.
	InfiniteScroll
)

// Selectors is the goquery selector set that extracts result items from a
// platform's search page.
type Selectors struct {
	Item     string
	Title    string
	Link     string // href read from this selection (or the item itself if empty)
	Price    string
	Location string
}

// Descriptor declares everything the shared engine needs to scan one
// platform.
type Descriptor struct {
	Tag            string
	BaseURL        string
	SearchTemplate string // fmt template with %s (escaped query) and %d (page or offset)
	Pagination     Pagination
	FirstPage      int
	PageStride     int // OffsetNumber only: results per page
	MaxPages       int
	MaxResults     int
	DelayMin       time.Duration
	DelayMax       time.Duration
	Region         string // advisory language/region hint, logging only
	BlockMarkers   []string
	Selectors      Selectors
}

// descriptors declares the closed platform set. AliExpress and Taobao get
// smaller caps and longer delays: both block aggressively and burning the
// IP there costs every remaining keyword.
var descriptors = map[string]Descriptor{
	marketscan.PlatformEBay: {
		Tag:            marketscan.PlatformEBay,
		BaseURL:        "https://www.ebay.com",
		SearchTemplate: "https://www.ebay.com/sch/i.html?_nkw=%s&_pgn=%d",
		Pagination:     PageNumber,
		FirstPage:      1,
		MaxPages:       4,
		MaxResults:     100,
		DelayMin:       2 * time.Second,
		DelayMax:       4 * time.Second,
		Region:         "en-US",
		BlockMarkers:   []string{"pardon our interruption"},
		Selectors: Selectors{
			Item:     "li.s-item, div.s-item",
			Title:    ".s-item__title",
			Link:     "a.s-item__link",
			Price:    ".s-item__price",
			Location: ".s-item__location, .s-item__itemLocation",
		},
	},
	marketscan.PlatformCraigslist: {
		Tag:            marketscan.PlatformCraigslist,
		BaseURL:        "https://newyork.craigslist.org",
		SearchTemplate: "https://newyork.craigslist.org/search/sss?query=%s&s=%d",
		Pagination:     OffsetNumber,
		FirstPage:      0,
		PageStride:     120,
		MaxPages:       3,
		MaxResults:     120,
		DelayMin:       2 * time.Second,
		DelayMax:       4 * time.Second,
		Region:         "en-US",
		BlockMarkers:   []string{"this ip has been automatically blocked"},
		Selectors: Selectors{
			Item:     "li.cl-static-search-result",
			Title:    "div.title",
			Link:     "a",
			Price:    "div.price",
			Location: "div.location",
		},
	},
	marketscan.PlatformOLX: {
		Tag:            marketscan.PlatformOLX,
		BaseURL:        "https://www.olx.pl",
		SearchTemplate: "https://www.olx.pl/oferty/q-%s/?page=%d",
		Pagination:     PageNumber,
		FirstPage:      1,
		MaxPages:       4,
		MaxResults:     100,
		DelayMin:       2 * time.Second,
		DelayMax:       4 * time.Second,
		Region:         "pl-PL",
		Selectors: Selectors{
			Item:     "div[data-cy='l-card']",
			Title:    "h6, h4",
			Link:     "a",
			Price:    "p[data-testid='ad-price']",
			Location: "p[data-testid='location-date']",
		},
	},
	marketscan.PlatformMarktplaats: {
		Tag:            marketscan.PlatformMarktplaats,
		BaseURL:        "https://www.marktplaats.nl",
		SearchTemplate: "https://www.marktplaats.nl/q/%s/p/%d/",
		Pagination:     PageNumber,
		FirstPage:      1,
		MaxPages:       4,
		MaxResults:     100,
		DelayMin:       2 * time.Second,
		DelayMax:       4 * time.Second,
		Region:         "nl-NL",
		Selectors: Selectors{
			Item:     "li.hz-Listing",
			Title:    "h3.hz-Listing-title",
			Link:     "a.hz-Listing-coverLink",
			Price:    "span.hz-Listing-price",
			Location: ".hz-Listing-location",
		},
	},
	marketscan.PlatformMercadoLibre: {
		Tag:            marketscan.PlatformMercadoLibre,
		BaseURL:        "https://listado.mercadolibre.com.mx",
		SearchTemplate: "https://listado.mercadolibre.com.mx/%s_Desde_%d_NoIndex_True",
		Pagination:     OffsetNumber,
		FirstPage:      1,
		PageStride:     50,
		MaxPages:       3,
		MaxResults:     100,
		DelayMin:       2 * time.Second,
		DelayMax:       4 * time.Second,
		Region:         "es-MX",
		Selectors: Selectors{
			Item:     "li.ui-search-layout__item",
			Title:    "h2.ui-search-item__title, a.poly-component__title",
			Link:     "a.ui-search-link, a.poly-component__title",
			Price:    "span.andes-money-amount__fraction",
			Location: "span.ui-search-item__location",
		},
	},
	marketscan.PlatformGumtree: {
		Tag:            marketscan.PlatformGumtree,
		BaseURL:        "https://www.gumtree.com",
		SearchTemplate: "https://www.gumtree.com/search?search_category=all&q=%s&page=%d",
		Pagination:     PageNumber,
		FirstPage:      1,
		MaxPages:       4,
		MaxResults:     100,
		DelayMin:       2 * time.Second,
		DelayMax:       4 * time.Second,
		Region:         "en-GB",
		Selectors: Selectors{
			Item:     "article[data-q='search-result']",
			Title:    "div[data-q='tile-title']",
			Link:     "a[data-q='search-result-anchor']",
			Price:    "div[data-testid='price']",
			Location: "div[data-q='tile-location']",
		},
	},
	marketscan.PlatformAvito: {
		Tag:            marketscan.PlatformAvito,
		BaseURL:        "https://www.avito.ru",
		SearchTemplate: "https://www.avito.ru/all?q=%s&p=%d",
		Pagination:     PageNumber,
		FirstPage:      1,
		MaxPages:       3,
		MaxResults:     100,
		DelayMin:       3 * time.Second,
		DelayMax:       5 * time.Second,
		Region:         "ru-RU",
		BlockMarkers:   []string{"доступ ограничен", "проблема с ip"},
		Selectors: Selectors{
			Item:     "div[data-marker='item']",
			Title:    "h3[itemprop='name']",
			Link:     "a[data-marker='item-title']",
			Price:    "span[data-marker='item-price'], meta[itemprop='price']",
			Location: "div[data-marker='item-address']",
		},
	},
	marketscan.PlatformAliExpress: {
		Tag:            marketscan.PlatformAliExpress,
		BaseURL:        "https://www.aliexpress.com",
		SearchTemplate: "https://www.aliexpress.com/w/wholesale-%s.html?page=%d",
		Pagination:     PageNumber,
		FirstPage:      1,
		MaxPages:       2,
		MaxResults:     40,
		DelayMin:       5 * time.Second,
		DelayMax:       8 * time.Second,
		Region:         "en-US",
		BlockMarkers:   []string{"slide to verify", "punish?x5secdata"},
		Selectors: Selectors{
			Item:  "div.search-item-card-wrapper-gallery, a.search-card-item",
			Title: "h3, div[title]",
			Link:  "a.search-card-item",
			Price: "div.multi--price-sale--U-S0jtj, .price--currentPriceText--V8_y_b5",
		},
	},
	marketscan.PlatformTaobao: {
		Tag:            marketscan.PlatformTaobao,
		BaseURL:        "https://s.taobao.com",
		SearchTemplate: "https://s.taobao.com/search?q=%s&s=%d",
		Pagination:     InfiniteScroll,
		FirstPage:      0,
		PageStride:     44,
		MaxPages:       2,
		MaxResults:     40,
		DelayMin:       6 * time.Second,
		DelayMax:       10 * time.Second,
		Region:         "zh-CN",
		BlockMarkers:   []string{"亲，访问受限了", "security check"},
		Selectors: Selectors{
			Item:  "div.Card--doubleCardWrapper",
			Title: "div.Title--title",
			Link:  "a",
			Price: "div.Price--priceWrapper",
		},
	},
	marketscan.PlatformMercari: {
		Tag:            marketscan.PlatformMercari,
		BaseURL:        "https://www.mercari.com",
		SearchTemplate: "https://www.mercari.com/search/?keyword=%s",
		Pagination:     InfiniteScroll,
		FirstPage:      1,
		MaxPages:       1,
		MaxResults:     40,
		DelayMin:       3 * time.Second,
		DelayMax:       5 * time.Second,
		Region:         "en-US",
		Selectors: Selectors{
			Item:     "div[data-testid='ItemContainer']",
			Title:    "span[data-testid='ItemName']",
			Link:     "a",
			Price:    "span[data-testid='ItemPrice']",
			Location: "",
		},
	},
}

// Describe returns the descriptor for a platform tag.
func Describe(tag string) (Descriptor, bool) {
	d, ok := descriptors[tag]
	return d, ok
}
