// Mock collaborators required in Relay tests are all here.

package test

import (
	"Relay/internal/backend"
	"Relay/pkg/middlewares"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// Internal token the fake backend accepts.
const InternalToken = "test-internal-token"

func init() {
	gin.SetMode(gin.TestMode)
}

// MockRouter returns a fresh gin engine configured like the production one.
func MockRouter() *gin.Engine {
	router := gin.New()
	router.Use(middlewares.CORSMiddleware("*"))
	return router
}

// FakeBackend is an in-memory REST backend speaking the error taxonomy of the real one.
type FakeBackend struct {
	*httptest.Server

	mu           sync.Mutex
	calls        []string
	passwords    map[string]string
	bans         map[string]map[string]interface{}
	notes        map[string]string
	posts        map[string]map[string]interface{}
	repairMode   bool
	registration bool
}

// NewFakeBackend starts a backend knowing the given username -> password pairs.
func NewFakeBackend(passwords map[string]string) *FakeBackend {
	f := &FakeBackend{
		passwords:    make(map[string]string),
		bans:         make(map[string]map[string]interface{}),
		notes:        make(map[string]string),
		posts:        make(map[string]map[string]interface{}),
		registration: true,
	}
	for u, p := range passwords {
		f.passwords[u] = p
	}
	router := MockRouter()
	router.Use(f.record, f.internalOnly)
	router.GET("/status", f.status)
	router.POST("/auth/login", f.login)
	router.POST("/auth/register", f.register)
	router.GET("/me", f.me)
	router.GET("/me/relationships", list)
	router.GET("/chats", list)
	router.POST("/me/config", ok)
	router.PATCH("/me/password", ok)
	router.DELETE("/me/tokens", ok)
	router.DELETE("/me", ok)
	router.POST("/posts/:id/report", ok)
	router.POST("/users/:id/report", ok)
	router.GET("/users/:id", f.user)
	router.GET("/posts/:id", f.post)
	router.GET("/emojis/:id", emote)
	router.GET("/stickers/:id", emote)
	router.GET("/admin/users/:id", f.adminUser)
	router.POST("/admin/users/:id/ban", f.adminBan)
	router.GET("/admin/notes/:id", f.adminNotes)
	router.PUT("/admin/notes/:id", f.adminPutNotes)
	f.Server = httptest.NewServer(router)
	return f
}

// Calls returns how many requests matched "METHOD /path" prefix.
func (f *FakeBackend) Calls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

// SetStatus changes the status document.
func (f *FakeBackend) SetStatus(repairMode, registration bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repairMode, f.registration = repairMode, registration
}

// Ban stores a ban object on the account of username.
func (f *FakeBackend) Ban(username string, ban map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans[username] = ban
}

// Notes returns the admin notes of username.
func (f *FakeBackend) Notes(username string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notes[username]
}

func (f *FakeBackend) record(gctx *gin.Context) {
	f.mu.Lock()
	f.calls = append(f.calls, gctx.Request.Method+" "+gctx.Request.URL.Path)
	f.mu.Unlock()
	gctx.Next()
}

func (f *FakeBackend) internalOnly(gctx *gin.Context) {
	if gctx.GetHeader(backend.HeaderToken) != InternalToken {
		fail(gctx, http.StatusUnauthorized, "Unauthorized")
		return
	}
	gctx.Next()
}

func fail(gctx *gin.Context, code int, kind string) {
	gctx.AbortWithStatusJSON(code, gin.H{"error": true, "type": kind})
}

func ok(gctx *gin.Context) {
	gctx.JSON(http.StatusOK, gin.H{"error": false})
}

func list(gctx *gin.Context) {
	gctx.JSON(http.StatusOK, gin.H{"error": false, "autoget": []interface{}{}})
}

func (f *FakeBackend) status(gctx *gin.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gctx.JSON(http.StatusOK, gin.H{"error": false, "repair_mode": f.repairMode, "registration": f.registration})
}

// account builds the document of username, caller holds mu.
func (f *FakeBackend) account(username string) gin.H {
	doc := gin.H{"_id": username, "session_id": "sid-" + username}
	if ban, ok := f.bans[username]; ok {
		doc["ban"] = ban
	}
	return doc
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (f *FakeBackend) login(gctx *gin.Context) {
	var creds credentials
	if binderr := gctx.BindJSON(&creds); binderr != nil {
		fail(gctx, http.StatusBadRequest, "badRequest")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if pswd, known := f.passwords[creds.Username]; !known || pswd != creds.Password {
		fail(gctx, http.StatusUnauthorized, "Unauthorized")
		return
	}
	gctx.JSON(http.StatusOK, gin.H{"error": false, "token": "tok-" + creds.Username, "account": f.account(creds.Username)})
}

func (f *FakeBackend) register(gctx *gin.Context) {
	var creds credentials
	if binderr := gctx.BindJSON(&creds); binderr != nil {
		fail(gctx, http.StatusBadRequest, "badRequest")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.passwords[creds.Username]; exists {
		fail(gctx, http.StatusConflict, "usernameExists")
		return
	}
	f.passwords[creds.Username] = creds.Password
	gctx.JSON(http.StatusOK, gin.H{"error": false, "token": "tok-" + creds.Username, "account": f.account(creds.Username)})
}

// Tokens are "tok-<username>". A call without token is a last seen touch.
func (f *FakeBackend) me(gctx *gin.Context) {
	token := gctx.GetHeader(backend.HeaderSession)
	username := gctx.GetHeader(backend.HeaderUsername)
	if token != "" {
		username = strings.TrimPrefix(token, "tok-")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, known := f.passwords[username]; !known || (token != "" && !strings.HasPrefix(token, "tok-")) {
		fail(gctx, http.StatusUnauthorized, "Unauthorized")
		return
	}
	gctx.JSON(http.StatusOK, f.account(username))
}

func (f *FakeBackend) user(gctx *gin.Context) {
	username := gctx.Param("id")
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, known := f.passwords[username]; !known {
		fail(gctx, http.StatusNotFound, "notFound")
		return
	}
	gctx.JSON(http.StatusOK, gin.H{"_id": username, "avatar": "", "avatar_color": "000000", "flags": 0})
}

// AddPost makes post readable under its _id.
func (f *FakeBackend) AddPost(post map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := post["_id"].(string)
	f.posts[id] = post
}

func (f *FakeBackend) post(gctx *gin.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, known := f.posts[gctx.Param("id")]
	if !known {
		fail(gctx, http.StatusNotFound, "notFound")
		return
	}
	gctx.JSON(http.StatusOK, post)
}

// Every emoji and sticker exists, in chat home.
func emote(gctx *gin.Context) {
	id := gctx.Param("id")
	gctx.JSON(http.StatusOK, gin.H{"_id": id, "chat_id": "home", "name": "emote-" + id, "animated": false})
}

func (f *FakeBackend) adminUser(gctx *gin.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gctx.JSON(http.StatusOK, f.account(gctx.Param("id")))
}

func (f *FakeBackend) adminBan(gctx *gin.Context) {
	var ban map[string]interface{}
	if binderr := gctx.BindJSON(&ban); binderr != nil {
		fail(gctx, http.StatusBadRequest, "badRequest")
		return
	}
	f.Ban(gctx.Param("id"), ban)
	ok(gctx)
}

func (f *FakeBackend) adminNotes(gctx *gin.Context) {
	gctx.JSON(http.StatusOK, gin.H{"error": false, "notes": f.Notes(gctx.Param("id"))})
}

func (f *FakeBackend) adminPutNotes(gctx *gin.Context) {
	var body struct {
		Notes string `json:"notes"`
	}
	if binderr := gctx.BindJSON(&body); binderr != nil {
		fail(gctx, http.StatusBadRequest, "badRequest")
		return
	}
	f.mu.Lock()
	f.notes[gctx.Param("id")] = body.Notes
	f.mu.Unlock()
	ok(gctx)
}
