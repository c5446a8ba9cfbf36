package stubapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kuitang/critico-e2e/internal/apiclient"
	"github.com/kuitang/critico-e2e/internal/ratelimit"
)

type userContextKey struct{}

// registerAPIRoutes registers the REST API on mux under /api.
func (a *App) registerAPIRoutes(mux *http.ServeMux) {
	teacher := a.requireRole(RoleTeacher)
	student := a.requireRole(RoleStudent)
	anyone := a.requireRole()

	api := http.NewServeMux()
	api.HandleFunc("POST /auth/login", a.login)
	api.HandleFunc("POST /auth/register", a.register)
	api.Handle("GET /auth/me", anyone(a.me))

	api.Handle("GET /courses", anyone(a.listCourses))
	api.Handle("GET /courses/mine", anyone(a.myCourses))
	api.Handle("POST /courses", teacher(a.createCourse))
	api.Handle("GET /courses/{id}", anyone(a.getCourse))
	api.Handle("DELETE /courses/{id}", teacher(a.deleteCourse))
	api.Handle("GET /courses/{id}/topics", anyone(a.listTopics))
	api.Handle("POST /courses/{id}/topics", teacher(a.createTopic))
	api.Handle("DELETE /topics/{id}", teacher(a.deleteTopic))

	api.Handle("POST /texts", teacher(a.createText))
	api.Handle("POST /texts/generate", teacher(a.generateText))
	api.Handle("DELETE /texts/{id}", teacher(a.deleteText))

	api.Handle("GET /questions", anyone(a.listQuestions))
	api.Handle("POST /questions", teacher(a.createQuestion))
	api.Handle("DELETE /questions/{id}", teacher(a.deleteQuestion))

	api.Handle("GET /students", teacher(a.listStudents))
	api.Handle("POST /enrollments", student(a.enroll))
	api.Handle("DELETE /enrollments/{id}", anyone(a.deleteEnrollment))

	api.Handle("POST /answers", student(a.submitAnswer))
	api.Handle("DELETE /answers/{id}", anyone(a.deleteAnswer))
	api.Handle("POST /answers/{id}/analyze", anyone(a.analyzeAnswer))

	api.Handle("POST /chatbot/messages", anyone(a.chat))

	var h http.Handler = a.injectFailures(api)
	if a.opts.Throttle != nil {
		h = ratelimit.Middleware(a.opts.Throttle, func(r *http.Request) string {
			return r.Header.Get("Authorization")
		})(h)
	}
	mux.Handle("/api/", http.StripPrefix("/api", h))
}

func (a *App) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status, ok := a.takeFailure(r.Method, r.URL.Path); ok {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole rejects requests without a valid bearer token (401) and, when
// roles are given, tokens of any other role (403).
func (a *App) requireRole(roles ...string) func(http.HandlerFunc) http.Handler {
	return func(next http.HandlerFunc) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "Token no proporcionado")
				return
			}
			claims, err := a.verifyToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Token inválido")
				return
			}
			a.mu.Lock()
			u := a.userByID(claims.Subject)
			a.mu.Unlock()
			if u == nil {
				writeError(w, http.StatusUnauthorized, "Usuario no encontrado")
				return
			}
			if len(roles) > 0 && !contains(roles, u.Role) {
				writeError(w, http.StatusForbidden, "Acceso denegado")
				return
			}
			next(w, r.WithContext(context.WithValue(r.Context(), userContextKey{}, u)))
		})
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func currentUser(r *http.Request) *User {
	u, _ := r.Context().Value(userContextKey{}).(*User)
	return u
}

func (a *App) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	u, ok := a.authenticate(req.Email, req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Credenciales inválidas")
		return
	}
	token, err := a.SignToken(u, a.opts.TokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": u})
}

func (a *App) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Email y contraseña (mínimo 8 caracteres) son obligatorios")
		return
	}
	if req.Role == "" {
		req.Role = RoleStudent
	}
	u, err := a.AddUser(req.Name, req.Email, req.Password, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, "El usuario ya existe")
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (a *App) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

func (a *App) listCourses(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	out := make([]apiclient.Course, 0, len(a.courses))
	for _, c := range a.courses {
		out = append(out, *c)
	}
	a.mu.Unlock()
	sortCourses(out)
	writeJSON(w, http.StatusOK, out)
}

// myCourses lists a teacher's own courses or a student's enrolled courses.
func (a *App) myCourses(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	a.mu.Lock()
	out := []apiclient.Course{}
	for _, c := range a.courses {
		if u.Role == RoleTeacher && string(c.TeacherID) == u.ID {
			out = append(out, *c)
		}
	}
	if u.Role == RoleStudent {
		for _, e := range a.enrolls {
			if string(e.StudentID) == u.ID {
				if c, ok := a.courses[string(e.CourseID)]; ok {
					out = append(out, *c)
				}
			}
		}
	}
	a.mu.Unlock()
	sortCourses(out)
	writeJSON(w, http.StatusOK, out)
}

func sortCourses(cs []apiclient.Course) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].CreatedAt.Before(cs[j].CreatedAt) })
}

func (a *App) createCourse(w http.ResponseWriter, r *http.Request) {
	var in apiclient.CourseInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusBadRequest, "El título es obligatorio")
		return
	}
	if in.Level == "" {
		in.Level = "Básico"
	}
	u := currentUser(r)

	a.mu.Lock()
	c := &apiclient.Course{
		ID:          apiclient.ID(a.nextID()),
		Title:       in.Title,
		Description: in.Description,
		Level:       in.Level,
		TeacherID:   apiclient.ID(u.ID),
		CreatedAt:   a.now().UTC(),
	}
	a.courses[string(c.ID)] = c
	a.owners[string(c.ID)] = u.ID
	a.mu.Unlock()

	writeJSON(w, http.StatusCreated, c)
}

func (a *App) getCourse(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	c, ok := a.courses[r.PathValue("id")]
	var out apiclient.Course
	if ok {
		out = *c
	}
	a.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Curso no encontrado")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ownedBy checks that id exists and was created by u. Callers hold a.mu.
func (a *App) ownedBy(w http.ResponseWriter, exists bool, id string, u *User, what string) bool {
	if !exists {
		writeError(w, http.StatusNotFound, what+" no encontrado")
		return false
	}
	if a.owners[id] != u.ID {
		writeError(w, http.StatusForbidden, "Acceso denegado")
		return false
	}
	return true
}

func (a *App) deleteCourse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.courses[id]
	if !a.ownedBy(w, ok, id, currentUser(r), "Curso") {
		return
	}
	a.cascadeCourse(id)
	w.WriteHeader(http.StatusNoContent)
}

// cascade* remove an entity and everything that depends on it. Callers hold a.mu.
func (a *App) cascadeCourse(id string) {
	for tid, t := range a.topics {
		if string(t.CourseID) == id {
			a.cascadeTopic(tid)
		}
	}
	for eid, e := range a.enrolls {
		if string(e.CourseID) == id {
			delete(a.enrolls, eid)
			delete(a.owners, eid)
		}
	}
	delete(a.courses, id)
	delete(a.owners, id)
}

func (a *App) cascadeTopic(id string) {
	for xid, x := range a.texts {
		if string(x.TopicID) == id {
			a.cascadeText(xid)
		}
	}
	delete(a.topics, id)
	delete(a.owners, id)
}

func (a *App) cascadeText(id string) {
	for qid, q := range a.quests {
		if string(q.TextID) == id {
			a.cascadeQuestion(qid)
		}
	}
	delete(a.texts, id)
	delete(a.owners, id)
}

func (a *App) cascadeQuestion(id string) {
	for aid, ans := range a.answers {
		if string(ans.QuestionID) == id {
			delete(a.answers, aid)
			delete(a.owners, aid)
		}
	}
	delete(a.quests, id)
	delete(a.owners, id)
}

func (a *App) listTopics(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("id")
	a.mu.Lock()
	_, ok := a.courses[courseID]
	out := []apiclient.Topic{}
	for _, t := range a.topics {
		if string(t.CourseID) == courseID {
			out = append(out, *t)
		}
	}
	a.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Curso no encontrado")
		return
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (a *App) createTopic(w http.ResponseWriter, r *http.Request) {
	var in apiclient.TopicInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusBadRequest, "El título es obligatorio")
		return
	}
	courseID := r.PathValue("id")
	u := currentUser(r)

	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.courses[courseID]
	if !a.ownedBy(w, ok, courseID, u, "Curso") {
		return
	}
	t := &apiclient.Topic{
		ID:          apiclient.ID(a.nextID()),
		CourseID:    apiclient.ID(courseID),
		Title:       in.Title,
		Description: in.Description,
		CreatedAt:   a.now().UTC(),
	}
	a.topics[string(t.ID)] = t
	a.owners[string(t.ID)] = u.ID
	writeJSON(w, http.StatusCreated, t)
}

func (a *App) deleteTopic(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.topics[id]
	if !a.ownedBy(w, ok, id, currentUser(r), "Tema") {
		return
	}
	a.cascadeTopic(id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) createText(w http.ResponseWriter, r *http.Request) {
	var in apiclient.TextInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Content) == "" {
		writeError(w, http.StatusBadRequest, "Título y contenido son obligatorios")
		return
	}
	u := currentUser(r)

	a.mu.Lock()
	defer a.mu.Unlock()
	topicID := string(in.TopicID)
	_, ok := a.topics[topicID]
	if !a.ownedBy(w, ok, topicID, u, "Tema") {
		return
	}
	x := &apiclient.Text{
		ID:        apiclient.ID(a.nextID()),
		TopicID:   in.TopicID,
		Title:     in.Title,
		Content:   in.Content,
		CreatedAt: a.now().UTC(),
	}
	a.texts[string(x.ID)] = x
	a.owners[string(x.ID)] = u.ID
	writeJSON(w, http.StatusCreated, x)
}

func (a *App) generateText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, "El tema es obligatorio")
		return
	}
	if !a.aiDelay(r.Context()) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"title":   "Texto sobre " + req.Topic,
		"content": fmt.Sprintf("Este texto generado presenta distintos puntos de vista sobre %s para analizar críticamente.", req.Topic),
	})
}

func (a *App) deleteText(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.texts[id]
	if !a.ownedBy(w, ok, id, currentUser(r), "Texto") {
		return
	}
	a.cascadeText(id)
	w.WriteHeader(http.StatusNoContent)
}

// listQuestions returns every question for teachers and the questions of
// enrolled courses for students.
func (a *App) listQuestions(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	a.mu.Lock()
	enrolled := map[string]bool{}
	for _, e := range a.enrolls {
		if string(e.StudentID) == u.ID {
			enrolled[string(e.CourseID)] = true
		}
	}
	out := []apiclient.Question{}
	for _, q := range a.quests {
		if u.Role == RoleStudent {
			x := a.texts[string(q.TextID)]
			if x == nil {
				continue
			}
			t := a.topics[string(x.TopicID)]
			if t == nil || !enrolled[string(t.CourseID)] {
				continue
			}
		}
		out = append(out, *q)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (a *App) createQuestion(w http.ResponseWriter, r *http.Request) {
	var in apiclient.QuestionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(in.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "La pregunta es obligatoria")
		return
	}
	if in.Type == "" {
		in.Type = "open"
	}
	u := currentUser(r)

	a.mu.Lock()
	defer a.mu.Unlock()
	textID := string(in.TextID)
	_, ok := a.texts[textID]
	if !a.ownedBy(w, ok, textID, u, "Texto") {
		return
	}
	q := &apiclient.Question{
		ID:        apiclient.ID(a.nextID()),
		TextID:    in.TextID,
		Prompt:    in.Prompt,
		Type:      in.Type,
		CreatedAt: a.now().UTC(),
	}
	a.quests[string(q.ID)] = q
	a.owners[string(q.ID)] = u.ID
	writeJSON(w, http.StatusCreated, q)
}

func (a *App) deleteQuestion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.quests[id]
	if !a.ownedBy(w, ok, id, currentUser(r), "Pregunta") {
		return
	}
	a.cascadeQuestion(id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) listStudents(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	out := []User{}
	for _, u := range a.users {
		if u.Role == RoleStudent {
			out = append(out, *u)
		}
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	writeJSON(w, http.StatusOK, out)
}

func (a *App) enroll(w http.ResponseWriter, r *http.Request) {
	var in apiclient.EnrollmentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	u := currentUser(r)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.courses[string(in.CourseID)]; !ok {
		writeError(w, http.StatusNotFound, "Curso no encontrado")
		return
	}
	for _, e := range a.enrolls {
		if e.CourseID == in.CourseID && string(e.StudentID) == u.ID {
			writeError(w, http.StatusConflict, "Ya estás inscrito en este curso")
			return
		}
	}
	e := &apiclient.Enrollment{
		ID:        apiclient.ID(a.nextID()),
		CourseID:  in.CourseID,
		StudentID: apiclient.ID(u.ID),
		CreatedAt: a.now().UTC(),
	}
	a.enrolls[string(e.ID)] = e
	a.owners[string(e.ID)] = u.ID
	writeJSON(w, http.StatusCreated, e)
}

func (a *App) deleteEnrollment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	u := currentUser(r)
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.enrolls[id]
	if !ok {
		writeError(w, http.StatusNotFound, "Inscripción no encontrada")
		return
	}
	if string(e.StudentID) != u.ID && a.owners[string(e.CourseID)] != u.ID {
		writeError(w, http.StatusForbidden, "Acceso denegado")
		return
	}
	delete(a.enrolls, id)
	delete(a.owners, id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var in apiclient.AnswerInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(in.Content) == "" {
		writeError(w, http.StatusBadRequest, "La respuesta es obligatoria")
		return
	}
	u := currentUser(r)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.quests[string(in.QuestionID)]; !ok {
		writeError(w, http.StatusNotFound, "Pregunta no encontrada")
		return
	}
	ans := &apiclient.Answer{
		ID:         apiclient.ID(a.nextID()),
		QuestionID: in.QuestionID,
		Content:    in.Content,
		CreatedAt:  a.now().UTC(),
	}
	a.answers[string(ans.ID)] = ans
	a.owners[string(ans.ID)] = u.ID
	writeJSON(w, http.StatusCreated, ans)
}

func (a *App) deleteAnswer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.answers[id]
	if !a.ownedBy(w, ok, id, currentUser(r), "Respuesta") {
		return
	}
	delete(a.answers, id)
	delete(a.owners, id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) analyzeAnswer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.mu.Lock()
	ans, ok := a.answers[id]
	var content string
	if ok {
		content = ans.Content
	}
	a.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Respuesta no encontrada")
		return
	}
	if !a.aiDelay(r.Context()) {
		return
	}
	score, level := biasFor(content)
	writeJSON(w, http.StatusOK, apiclient.BiasAnalysis{
		AnswerID: apiclient.ID(id),
		Score:    score,
		MaxScore: MaxBiasScore,
		Level:    level,
		Summary:  "Análisis de sesgos completado.",
	})
}

func (a *App) chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "El mensaje es obligatorio")
		return
	}
	if !a.aiDelay(r.Context()) {
		return
	}
	writeJSON(w, http.StatusOK, apiclient.ChatReply{
		Reply: fmt.Sprintf("Recibí: «%s». ¿Qué evidencia respalda esa idea?", req.Message),
	})
}

// aiDelay waits out the configured AI latency. It reports false when the
// client went away first.
func (a *App) aiDelay(ctx context.Context) bool {
	if a.opts.AIDelay <= 0 {
		return true
	}
	select {
	case <-time.After(a.opts.AIDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
