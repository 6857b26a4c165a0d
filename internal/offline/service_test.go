package offline

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivate_KeepsOnlyCurrentBucket(t *testing.T) {
	svc := newTestService(t, newFakeNet(appShell()))

	require.NoError(t, svc.buckets.Put("collectr-v1", "https://collectr.test/", CachedResponse{Status: 200, Body: []byte("old")}))
	require.NoError(t, svc.buckets.Open("collectr-v0"))
	_, err := svc.OnInstall(context.Background())
	require.NoError(t, err)

	deleted, err := svc.OnActivate(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"collectr-v0", "collectr-v1"}, deleted)

	names, err := svc.buckets.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"collectr-v2"}, names)

	_, err = svc.buckets.Match("collectr-v1", "https://collectr.test/")
	assert.ErrorIs(t, err, ErrBucketMissing)
}

func TestActivate_CreatesCurrentBucketWithoutInstall(t *testing.T) {
	svc := newTestService(t, newFakeNet(appShell()))

	_, err := svc.OnActivate(context.Background())
	require.NoError(t, err)

	names, err := svc.buckets.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"collectr-v2"}, names)
}

func TestStaticAsset_CacheFirst(t *testing.T) {
	net := newFakeNet(appShell())
	svc := newTestService(t, net)
	const asset = "https://collectr.test/icons/pikachu.png"

	first := intercept(t, svc, http.MethodGet, asset, "")
	assert.Equal(t, statusMiss, first.Header.Get("X-Collectr-Cache"))
	body1 := readBody(t, first)

	second := intercept(t, svc, http.MethodGet, asset, "")
	assert.Equal(t, statusHit, second.Header.Get("X-Collectr-Cache"))
	body2 := readBody(t, second)

	assert.Equal(t, body1, body2)
	assert.Equal(t, "PNG:/icons/pikachu.png", body2)
	assert.Equal(t, 1, net.Count())
}

func TestStaticAsset_ExtensionRuleServedOffline(t *testing.T) {
	net := newFakeNet(appShell())
	svc := newTestService(t, net)
	const asset = "https://collectr.test/images/cards/charizard.webp"

	readBody(t, intercept(t, svc, http.MethodGet, asset, ""))
	net.SetOnline(false)

	resp := intercept(t, svc, http.MethodGet, asset, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, statusHit, resp.Header.Get("X-Collectr-Cache"))
	assert.Equal(t, 1, net.Count())
}

func TestStaticAsset_NotCachedWhenErrorStatus(t *testing.T) {
	net := newFakeNet(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	svc := newTestService(t, net)
	const asset = "https://collectr.test/icons/missing.png"

	assert.Equal(t, http.StatusNotFound, intercept(t, svc, http.MethodGet, asset, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, intercept(t, svc, http.MethodGet, asset, "").StatusCode)
	assert.Equal(t, 2, net.Count())
}

func TestBackendGet_NeverCached(t *testing.T) {
	net := newFakeNet(appShell())
	svc := newTestService(t, net)
	const target = "https://api.collectr.test/api/collections/42"

	for i := 0; i < 3; i++ {
		resp := intercept(t, svc, http.MethodGet, target, "")
		assert.Equal(t, statusBypass, resp.Header.Get("X-Collectr-Cache"))
		assert.JSONEq(t, `{"path":"/api/collections/42"}`, readBody(t, resp))
	}
	assert.Equal(t, 3, net.Count())

	net.SetOnline(false)
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	_, err = svc.OnIntercept(req)
	assert.ErrorIs(t, err, errUnreachable)
	assert.Equal(t, 4, net.Count())
}

func TestNavigation_NetworkFirstThenCachedCopy(t *testing.T) {
	net := newFakeNet(appShell())
	svc := newTestService(t, net)
	const page = "https://collectr.test/dashboard"

	resp := intercept(t, svc, http.MethodGet, page, "")
	assert.Equal(t, statusNetwork, resp.Header.Get("X-Collectr-Cache"))
	online := readBody(t, resp)

	net.SetOnline(false)
	resp = intercept(t, svc, http.MethodGet, page, "")
	assert.Equal(t, statusFallback, resp.Header.Get("X-Collectr-Cache"))
	assert.Equal(t, online, readBody(t, resp))
}

func TestNavigation_OfflinePageWhenNothingCached(t *testing.T) {
	net := newFakeNet(appShell())
	svc := newTestService(t, net)
	_, err := svc.OnInstall(context.Background())
	require.NoError(t, err)

	net.SetOnline(false)
	resp := intercept(t, svc, http.MethodGet, "https://collectr.test/geology/quartz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, statusOffline, resp.Header.Get("X-Collectr-Cache"))
	assert.Equal(t, "<html>you are offline</html>", readBody(t, resp))
}

func TestNavigation_NoOfflinePageInstalled(t *testing.T) {
	net := newFakeNet(appShell())
	net.SetOnline(false)
	svc := newTestService(t, net)

	resp := intercept(t, svc, http.MethodGet, "https://collectr.test/shop", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestInstall_BestEffort(t *testing.T) {
	net := newFakeNet(appShell())
	net.fail = func(r *http.Request) bool { return r.URL.Path == "/dashboard" }
	svc := newTestService(t, net)

	rep, err := svc.OnInstall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "collectr-v2", rep.Bucket)
	assert.ElementsMatch(t, []string{"/", "/offline.html"}, rep.Stored)
	require.Contains(t, rep.Failed, "/dashboard")

	ent, err := svc.buckets.Match("collectr-v2", "https://collectr.test/offline.html")
	require.NoError(t, err)
	assert.Equal(t, "<html>you are offline</html>", string(ent.Body))
}

func TestMutation_OnlineGoesStraightThrough(t *testing.T) {
	net := newFakeNet(appShell())
	svc := newTestService(t, net)

	resp := intercept(t, svc, http.MethodPost, "https://api.collectr.test/api/items", `{"name":"Test"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	readBody(t, resp)

	rows, err := svc.queue.Store().List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
	require.Len(t, net.Calls(), 1)
	assert.Equal(t, `{"name":"Test"}`, net.Calls()[0].Body)
}

func TestMutation_QueuedWhileOfflineThenDrained(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet(appShell())
	net.SetOnline(false)
	svc := newTestService(t, net)
	const target = "https://api.collectr.test/items"

	resp := intercept(t, svc, http.MethodPost, target, `{"name":"Test"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, statusQueued, resp.Header.Get("X-Collectr-Cache"))
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &body))
	assert.Equal(t, true, body["offline"])
	assert.NotEmpty(t, body["message"])

	rows, err := svc.queue.Store().List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, target, rows[0].URL)
	assert.Equal(t, http.MethodPost, rows[0].Method)
	assert.Equal(t, `{"name":"Test"}`, rows[0].Body)
	assert.Equal(t, "application/json", rows[0].Header["Content-Type"])
	assert.NotEmpty(t, rows[0].IdempotencyKey)

	net.SetOnline(true)
	net.Reset()
	require.NoError(t, svc.OnSyncTag(ctx, DefaultSyncTag))

	rows, err = svc.queue.Store().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	calls := net.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, target, calls[0].URL)
	assert.Equal(t, `{"name":"Test"}`, calls[0].Body)
}

func TestMutation_EnqueueFailureIsSurfaced(t *testing.T) {
	net := newFakeNet(appShell())
	net.SetOnline(false)
	svc := newTestService(t, net, func(_ *Config, o *Options) {
		o.Queue = brokenQueue{}
	})

	resp := intercept(t, svc, http.MethodDelete, "https://api.collectr.test/api/items/7", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body deferredBody
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &body))
	assert.True(t, body.Offline)
	assert.False(t, body.Queued)
}

func TestMutation_OtherHostNotQueued(t *testing.T) {
	net := newFakeNet(appShell())
	net.SetOnline(false)
	svc := newTestService(t, net)

	req, err := http.NewRequest(http.MethodPost, "https://api.pokemontcg.test/v2/cards", nil)
	require.NoError(t, err)
	_, err = svc.OnIntercept(req)
	assert.ErrorIs(t, err, errUnreachable)

	rows, err := svc.queue.Store().List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSyncTag_UnknownTagIgnored(t *testing.T) {
	net := newFakeNet(appShell())
	net.SetOnline(false)
	svc := newTestService(t, net)
	readBody(t, intercept(t, svc, http.MethodPut, "https://api.collectr.test/api/items/1", `{}`))

	net.SetOnline(true)
	net.Reset()
	require.NoError(t, svc.OnSyncTag(context.Background(), "periodic-news"))
	assert.Zero(t, net.Count())

	pending, _, err := svc.queue.Store().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestIntercept_RequiresAbsoluteURL(t *testing.T) {
	svc := newTestService(t, newFakeNet(appShell()))
	req, err := http.NewRequest(http.MethodGet, "/relative", nil)
	require.NoError(t, err)
	_, err = svc.OnIntercept(req)
	assert.Error(t, err)
}

func TestTransport_AppliesCacheFirst(t *testing.T) {
	net := newFakeNet(appShell())
	svc := newTestService(t, net)
	client := &http.Client{Transport: svc.Transport()}

	for i := 0; i < 2; i++ {
		resp, err := client.Get("https://collectr.test/icons/badge.png")
		require.NoError(t, err)
		assert.Equal(t, "PNG:/icons/badge.png", readBody(t, resp))
	}
	assert.Equal(t, 1, net.Count())
}

func TestOnPush_Defaults(t *testing.T) {
	svc := newTestService(t, newFakeNet(appShell()))

	n, err := svc.OnPush(context.Background(), []byte(`{"body":"Price drop on Black Lotus","data":{"tag":"price"}}`))
	require.NoError(t, err)
	assert.Equal(t, "CollectR", n.Title)
	assert.Equal(t, "/icons/icon-192x192.png", n.Icon)
	assert.Equal(t, "/", NotificationTarget(n))
}

func TestSubscribe_Duplicate(t *testing.T) {
	svc := newTestService(t, newFakeNet(appShell()))
	sub := PushSubscription{Endpoint: "https://push.example/abc", Keys: map[string]string{"p256dh": "k1", "auth": "a1"}}

	dup, err := svc.Subscribe(sub)
	require.NoError(t, err)
	assert.False(t, dup)

	sub.Keys["p256dh"] = "k2"
	dup, err = svc.Subscribe(sub)
	require.NoError(t, err)
	assert.True(t, dup)

	subs, err := svc.Subscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "k2", subs[0].Keys["p256dh"])
}
