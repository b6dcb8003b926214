package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"html"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// shop is a tiny storefront used to exercise the monitor locally. Product
// pages flip between sold out and in stock; the purchase flow runs in the
// page with inline script so the browser channel can drive it.
type shop struct {
	mu         sync.Mutex
	password   string
	inStock    map[string]bool
	volumeRate float64
	orders     []map[string]any
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flip := flag.Duration("flip", 0, "toggle stock on this interval (0 = manual)")
	volume := flag.Float64("volume", 0, "probability of a high volume modal on add to cart")
	password := flag.String("password", "hunter2", "password accepted by /login")
	flag.Parse()

	s := &shop{
		password:   *password,
		inStock:    map[string]bool{"tee": false, "hoodie": true},
		volumeRate: *volume,
	}
	if *flip > 0 {
		go s.flipLoop(*flip)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/mock/stock", s.handleStock)
	mux.HandleFunc("/mock/orders", s.handleOrders)
	mux.HandleFunc("/product/", s.handleProduct)
	mux.HandleFunc("/checkout", s.handleCheckout)
	mux.HandleFunc("/order", s.handleOrder)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/account", s.handleAccount)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("mock storefront listening on %s", *addr)
	log.Fatal(srv.ListenAndServe())
}

func (s *shop) flipLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for range t.C {
		s.mu.Lock()
		for id := range s.inStock {
			s.inStock[id] = !s.inStock[id]
		}
		s.mu.Unlock()
		log.Printf("stock toggled")
	}
}

// handleStock: GET lists stock, POST ?id=tee&in=true sets it.
func (s *shop) handleStock(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Method == http.MethodPost {
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		s.inStock[id] = r.URL.Query().Get("in") == "true"
	}
	writeJSON(w, map[string]any{"stock": s.inStock})
}

func (s *shop) handleOrders(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]any{"orders": s.orders})
}

func (s *shop) handleProduct(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/product/"), "/")
	s.mu.Lock()
	in, known := s.inStock[id]
	volume := s.volumeRate > 0 && rand.Float64() < s.volumeRate
	s.mu.Unlock()
	if !known {
		http.NotFound(w, r)
		return
	}

	name := html.EscapeString(strings.ToUpper(id[:1]) + id[1:])
	var cta string
	if in {
		cta = `<div class="variant-option" data-variant="M">M</div>
<div class="variant-option" data-variant="L">L</div>
<input name="quantity" value="1">
<button class="qty-plus" onclick="plus()">+</button>
<button id="buy" onclick="addToCart()">ADD TO CART</button>`
	} else {
		cta = `<button disabled>SOLD OUT</button><p>NOTIFY ME WHEN AVAILABLE</p>`
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html><head>
<title>%[1]s</title>
<meta property="og:title" content="%[1]s">
<meta property="og:image" content="/static/%[2]s.jpg">
<script type="application/ld+json">{"@type":"Product","name":"%[1]s","sku":"%[2]s","offers":{"price":"18.00","priceCurrency":"USD"}}</script>
</head><body>
<h1>%[1]s</h1>
%[3]s
<div id="status"></div>
<script>
var volume = %[4]t;
document.querySelectorAll('[data-variant]').forEach(function (el) {
  el.addEventListener('click', function () {
    document.querySelectorAll('[data-variant]').forEach(function (o) { o.classList.remove('selected'); o.removeAttribute('aria-checked'); });
    el.classList.add('selected'); el.setAttribute('aria-checked', 'true');
  });
});
function plus() { var q = document.querySelector("input[name='quantity']"); q.value = Math.min(3, parseInt(q.value, 10) + 1); }
function addToCart() {
  if (volume) {
    volume = false;
    document.getElementById('status').innerHTML = '<div class="modal" role="dialog">We are experiencing high volume, please try again later <button onclick="this.parentNode.remove()">OK</button></div>';
    return;
  }
  var q = document.querySelector("input[name='quantity']").value;
  document.getElementById('status').innerHTML = '<div class="cart-added">Added to cart</div><a href="/checkout?sku=%[2]s&qty=' + q + '">Checkout</a>';
}
</script>
</body></html>`, name, html.EscapeString(id), cta, volume)
}

func (s *shop) handleCheckout(w http.ResponseWriter, r *http.Request) {
	sku := html.EscapeString(r.URL.Query().Get("sku"))
	qty := html.EscapeString(r.URL.Query().Get("qty"))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html><head><title>Checkout</title></head><body>
<form method="post" action="/order">
<input type="hidden" name="sku" value="%s">
<input type="hidden" name="qty" value="%s">
<label class="payment-method"><input type="radio" name="payment" value="card" checked> Card</label>
<label class="payment-method"><input type="radio" name="payment" value="paypal"> PayPal</label>
<button type="submit">Place order</button>
</form>
</body></html>`, sku, qty)
}

func (s *shop) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_ = r.ParseForm()
	order := map[string]any{
		"orderId":   uuid.NewString(),
		"sku":       r.PostForm.Get("sku"),
		"quantity":  r.PostForm.Get("qty"),
		"payment":   r.PostForm.Get("payment"),
		"createdAt": time.Now().Format(time.RFC3339Nano),
	}
	s.mu.Lock()
	s.orders = append(s.orders, order)
	s.mu.Unlock()
	log.Printf("order placed: %v", order)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html><head><title>Order placed</title></head><body>
<div class="order-confirmation"><h1>Thank you for your order</h1><p>Order %s</p></div>
</body></html>`, html.EscapeString(order["orderId"].(string)))
}

const sessionCookie = "mock_session"

// handleLogin serves a two page login: email first, then password.
func (s *shop) handleLogin(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.Method == http.MethodGet {
		fmt.Fprint(w, `<!doctype html>
<html><head><title>Sign in or Register</title></head><body>
<form data-form="login" method="post" action="/login">
<input type="email" name="email">
<label><input type="checkbox" name="agree_terms"> I agree</label>
<button type="submit">Continue</button>
</form>
</body></html>`)
		return
	}
	_ = r.ParseForm()
	email := html.EscapeString(r.PostForm.Get("email"))
	if _, ok := r.PostForm["password"]; !ok {
		fmt.Fprintf(w, `<!doctype html>
<html><head><title>Log in to continue</title></head><body>
<form data-form="login" method="post" action="/login">
<input type="hidden" name="email" value="%s">
<input type="password" name="password">
<button type="submit">Sign in</button>
</form>
</body></html>`, email)
		return
	}
	if r.PostForm.Get("password") != s.password {
		fmt.Fprint(w, `<!doctype html>
<html><head><title>Sign in or Register</title></head><body>
<div class="form-error">Incorrect email or password</div>
</body></html>`)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: uuid.NewString(), Path: "/"})
	http.Redirect(w, r, "/account", http.StatusSeeOther)
}

func (s *shop) handleAccount(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie(sessionCookie); err != nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!doctype html>
<html><head><title>My Account</title></head><body>
<a href="/account" data-testid="account-menu">My Account</a> <a href="/logout">Sign out</a>
</body></html>`)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
