// Package stubapp is an in-process stand-in for the CRÍTICO web application.
// It serves the subset of the REST API and the pages the test suites exercise,
// answering AI-backed requests with canned values.
package stubapp

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kuitang/critico-e2e/internal/apiclient"
	"github.com/kuitang/critico-e2e/internal/config"
	"github.com/kuitang/critico-e2e/internal/ratelimit"
)

// Roles.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// MaxBiasScore is the top of the bias scale.
const MaxBiasScore = 12

// User is an account known to the stub.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	passwordHash []byte
}

// Options configures the stub.
type Options struct {
	Teacher  config.Credentials
	Student  config.Credentials
	TokenTTL time.Duration
	// AIDelay is added to text generation, bias analysis and chatbot replies.
	AIDelay time.Duration
	// Throttle, when set, rejects bursts per bearer token with 429.
	Throttle *ratelimit.Throttle
	Now      func() time.Time
}

// App holds the stub's in-memory state.
type App struct {
	mu       sync.Mutex
	opts     Options
	secret   []byte
	seq      int64
	users    map[string]*User // by email
	courses  map[string]*apiclient.Course
	topics   map[string]*apiclient.Topic
	texts    map[string]*apiclient.Text
	quests   map[string]*apiclient.Question
	enrolls  map[string]*apiclient.Enrollment
	answers  map[string]*apiclient.Answer
	owners   map[string]string // entity ID -> creating user ID
	failures map[string][]int  // "METHOD /path" -> queued statuses
	handler  http.Handler
}

// New builds a stub seeded with the teacher and student accounts from opts.
func New(opts Options) (*App, error) {
	def := config.Default()
	if opts.Teacher.Email == "" {
		opts.Teacher = def.Teacher
	}
	if opts.Student.Email == "" {
		opts.Student = def.Student
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("stubapp: generate secret: %w", err)
	}

	a := &App{
		opts:     opts,
		secret:   secret,
		users:    make(map[string]*User),
		courses:  make(map[string]*apiclient.Course),
		topics:   make(map[string]*apiclient.Topic),
		texts:    make(map[string]*apiclient.Text),
		quests:   make(map[string]*apiclient.Question),
		enrolls:  make(map[string]*apiclient.Enrollment),
		answers:  make(map[string]*apiclient.Answer),
		owners:   make(map[string]string),
		failures: make(map[string][]int),
	}
	if _, err := a.AddUser("Profesora Demo", opts.Teacher.Email, opts.Teacher.Password, RoleTeacher); err != nil {
		return nil, err
	}
	if _, err := a.AddUser("Estudiante Demo", opts.Student.Email, opts.Student.Password, RoleStudent); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	a.registerAPIRoutes(mux)
	a.registerPageRoutes(mux)
	a.handler = mux
	return a, nil
}

// Handler returns the HTTP handler serving pages under / and the API under /api.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) now() time.Time { return a.opts.Now() }

func (a *App) nextID() string {
	a.seq++
	return strconv.FormatInt(a.seq, 10)
}

// AddUser registers an account. Duplicate emails are rejected.
func (a *App) AddUser(name, email, password, role string) (*User, error) {
	if role != RoleTeacher && role != RoleStudent {
		return nil, fmt.Errorf("stubapp: unknown role %q", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("stubapp: hash password: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	key := strings.ToLower(email)
	if _, exists := a.users[key]; exists {
		return nil, fmt.Errorf("stubapp: user %s already exists", email)
	}
	u := &User{ID: a.nextID(), Name: name, Email: email, Role: role, passwordHash: hash}
	a.users[key] = u
	return u, nil
}

func (a *App) authenticate(email, password string) (*User, bool) {
	a.mu.Lock()
	u, ok := a.users[strings.ToLower(email)]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	if bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		return nil, false
	}
	return u, true
}

func (a *App) userByID(id string) *User {
	for _, u := range a.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

// FailNext queues status as the response to the next request matching method
// and path (path relative to /api, e.g. "/courses").
func (a *App) FailNext(method, path string, status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := method + " " + path
	a.failures[key] = append(a.failures[key], status)
}

func (a *App) takeFailure(method, path string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := method + " " + path
	queued := a.failures[key]
	if len(queued) == 0 {
		return 0, false
	}
	a.failures[key] = queued[1:]
	return queued[0], true
}

// Counts reports how many entities of each kind exist.
func (a *App) Counts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]int{
		"course":     len(a.courses),
		"topic":      len(a.topics),
		"text":       len(a.texts),
		"question":   len(a.quests),
		"enrollment": len(a.enrolls),
		"answer":     len(a.answers),
	}
}

// CourseTitles lists every course title, sorted.
func (a *App) CourseTitles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	titles := make([]string, 0, len(a.courses))
	for _, c := range a.courses {
		titles = append(titles, c.Title)
	}
	sort.Strings(titles)
	return titles
}

// biasFor derives a deterministic score in [0, MaxBiasScore] from content.
func biasFor(content string) (float64, string) {
	score := len([]rune(strings.TrimSpace(content))) % (MaxBiasScore + 1)
	var level string
	switch {
	case score <= 2:
		level = "Excelente"
	case score <= 5:
		level = "Bueno"
	case score <= 8:
		level = "Aceptable"
	case score <= 10:
		level = "Necesita mejorar"
	default:
		level = "Insuficiente"
	}
	return float64(score), level
}
