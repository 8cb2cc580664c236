package edgeserve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
)

func newKVTestClient(handler http.Handler) (*KVProxyClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	cred := Credential{AccountID: "acct1", APIToken: "tok-secret"}
	return NewKVProxyClient(cred, "ns1").WithBaseURL(srv.URL), srv
}

func TestKVProxyGet(t *testing.T) {
	var gotPath, gotAuth string
	client, srv := newKVTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("stored value"))
	}))
	defer srv.Close()

	v, err := client.Get("some key")
	if err != nil {
		t.Fatal(err)
	}
	if v == nil || *v != "stored value" {
		t.Fatalf("Get = %v, want %q", v, "stored value")
	}
	if want := "/accounts/acct1/storage/kv/namespaces/ns1/values/some%20key"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if gotAuth != "Bearer tok-secret" {
		t.Errorf("auth = %q, want bearer token", gotAuth)
	}
}

func TestKVProxyGetMissingIsNil(t *testing.T) {
	client, srv := newKVTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errors":[{"code":10009,"message":"key not found"}]}`))
	}))
	defer srv.Close()

	v, err := client.Get("nope")
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatalf("Get = %q, want nil for a missing key", *v)
	}
}

func TestKVProxyGetBrotliBody(t *testing.T) {
	client, srv := newKVTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		bw.Write([]byte("compressed value"))
		bw.Close()
	}))
	defer srv.Close()

	v, err := client.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if v == nil || *v != "compressed value" {
		t.Fatalf("Get = %v, want decompressed value", v)
	}
}

func TestKVProxyGetAPIError(t *testing.T) {
	client, srv := newKVTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errors":[{"code":10000,"message":"Authentication error"}]}`))
	}))
	defer srv.Close()

	if _, err := client.Get("k"); err == nil {
		t.Fatal("expected an error for a 403")
	}
}

func TestKVProxyPut(t *testing.T) {
	var gotMethod, gotBody, gotQuery string
	client, srv := newKVTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	ttl := 60
	if err := client.Put("k", "v", &ttl); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if gotBody != "v" {
		t.Errorf("body = %q, want %q", gotBody, "v")
	}
	if gotQuery != "expiration_ttl=60" {
		t.Errorf("query = %q, want expiration_ttl=60", gotQuery)
	}
}

func TestKVProxyDeleteToleratesMissing(t *testing.T) {
	client, srv := newKVTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := client.Delete("gone"); err != nil {
		t.Fatalf("Delete of a missing key errored: %v", err)
	}
}

func TestKVProxyList(t *testing.T) {
	var gotQuery string
	client, srv := newKVTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{
			"result": [{"name":"a"},{"name":"ab"}],
			"result_info": {"cursor": "next123", "count": 2}
		}`))
	}))
	defer srv.Close()

	res, err := client.List("a", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Keys) != 2 || res.Keys[0].Name != "a" || res.Keys[1].Name != "ab" {
		t.Fatalf("keys = %+v", res.Keys)
	}
	if res.ListComplete {
		t.Error("ListComplete = true with a cursor present")
	}
	if res.Cursor != "next123" {
		t.Errorf("cursor = %q, want next123", res.Cursor)
	}
	if gotQuery != "limit=10&prefix=a" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestRemoteKVProviderRequiresCredential(t *testing.T) {
	p := &RemoteKVProvider{}
	if _, err := p.ResolveKV("ns1"); err == nil {
		t.Fatal("expected an error without a credential")
	}
	p.Cred = Credential{AccountID: "a", APIToken: "t"}
	store, err := p.ResolveKV("ns1")
	if err != nil {
		t.Fatal(err)
	}
	if store == nil {
		t.Fatal("nil store")
	}
}
