package classify

import "testing"

func TestExtractProduct(t *testing.T) {
	tests := []struct {
		name string
		html string
		want Product
	}{
		{
			name: "ld+json",
			html: `<html><head><title>Shop</title>
<script type="application/ld+json">{"@type":"Product","name":"Labubu Box","image":["https://cdn.test/a.png"],"offers":{"price":"19.99","priceCurrency":"USD"}}</script>
</head></html>`,
			want: Product{Name: "Labubu Box", Price: "19.99", Currency: "USD", Image: "https://cdn.test/a.png"},
		},
		{
			name: "meta and regex",
			html: `<html><head><title>Figure | Shop</title><meta property="og:image" content="https://cdn.test/b.jpg"></head>
<body><span class="price">$24.50</span></body></html>`,
			want: Product{Name: "Figure | Shop", Price: "$24.50", Image: "https://cdn.test/b.jpg"},
		},
		{
			name: "img alt fallback",
			html: `<html><head><title>X</title></head><body><img alt="POP MART" src="https://cdn.test/c.webp"></body></html>`,
			want: Product{Name: "X", Image: "https://cdn.test/c.webp"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractProduct(tt.html); got != tt.want {
				t.Errorf("got %+v, expected %+v", got, tt.want)
			}
		})
	}
}
