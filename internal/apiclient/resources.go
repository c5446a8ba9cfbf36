package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// User is the account returned by login.
type User struct {
	ID    ID     `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
}

// LoginResponse is the body of POST /api/auth/login.
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type Course struct {
	ID          ID        `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Level       string    `json:"level,omitempty"`
	TeacherID   ID        `json:"teacherId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Topic struct {
	ID          ID        `json:"id"`
	CourseID    ID        `json:"courseId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Text struct {
	ID        ID        `json:"id"`
	TopicID   ID        `json:"topicId"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type Question struct {
	ID        ID        `json:"id"`
	TextID    ID        `json:"textId"`
	Prompt    string    `json:"prompt"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

type Enrollment struct {
	ID        ID        `json:"id"`
	CourseID  ID        `json:"courseId"`
	StudentID ID        `json:"studentId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Answer struct {
	ID         ID        `json:"id"`
	QuestionID ID        `json:"questionId"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// BiasAnalysis is the result of analyzing an answer.
type BiasAnalysis struct {
	AnswerID ID      `json:"answerId"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"maxScore"`
	Level    string  `json:"level"`
	Summary  string  `json:"summary,omitempty"`
}

type ChatReply struct {
	Reply string `json:"reply"`
}

// Request bodies.
type (
	CourseInput struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		Level       string `json:"level,omitempty"`
	}
	TopicInput struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	}
	TextInput struct {
		TopicID ID     `json:"topicId"`
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	QuestionInput struct {
		TextID ID     `json:"textId"`
		Prompt string `json:"prompt"`
		Type   string `json:"type,omitempty"`
	}
	EnrollmentInput struct {
		CourseID ID `json:"courseId"`
	}
	AnswerInput struct {
		QuestionID ID     `json:"questionId"`
		Content    string `json:"content"`
	}
)

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	var resp LoginResponse
	err := c.Do(ctx, Request{
		Key:    "login",
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   map[string]string{"email": email, "password": password},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, errors.New("login response carries no token")
	}
	return &resp, nil
}

func (c *Client) CreateCourse(ctx context.Context, key, token string, in CourseInput) (Course, error) {
	var out Course
	err := c.Do(ctx, Request{Key: key, Token: token, Method: http.MethodPost, Path: "/courses", Body: in}, &out)
	return out, err
}

func (c *Client) CreateTopic(ctx context.Context, key, token string, courseID ID, in TopicInput) (Topic, error) {
	var out Topic
	path := "/courses/" + url.PathEscape(courseID.String()) + "/topics"
	err := c.Do(ctx, Request{Key: key, Token: token, Method: http.MethodPost, Path: path, Body: in}, &out)
	return out, err
}

func (c *Client) CreateText(ctx context.Context, key, token string, in TextInput) (Text, error) {
	var out Text
	err := c.Do(ctx, Request{Key: key, Token: token, Method: http.MethodPost, Path: "/texts", Body: in}, &out)
	return out, err
}

func (c *Client) CreateQuestion(ctx context.Context, key, token string, in QuestionInput) (Question, error) {
	var out Question
	err := c.Do(ctx, Request{Key: key, Token: token, Method: http.MethodPost, Path: "/questions", Body: in}, &out)
	return out, err
}

func (c *Client) Enroll(ctx context.Context, key, token string, in EnrollmentInput) (Enrollment, error) {
	var out Enrollment
	err := c.Do(ctx, Request{Key: key, Token: token, Method: http.MethodPost, Path: "/enrollments", Body: in}, &out)
	return out, err
}

func (c *Client) SubmitAnswer(ctx context.Context, key, token string, in AnswerInput) (Answer, error) {
	var out Answer
	err := c.Do(ctx, Request{Key: key, Token: token, Method: http.MethodPost, Path: "/answers", Body: in}, &out)
	return out, err
}

// AnalyzeAnswer requests bias analysis of an answer.
func (c *Client) AnalyzeAnswer(ctx context.Context, key, token string, answerID ID) (BiasAnalysis, error) {
	var out BiasAnalysis
	path := "/answers/" + url.PathEscape(answerID.String()) + "/analyze"
	err := c.Do(ctx, Request{Key: key, Token: token, Method: http.MethodPost, Path: path}, &out)
	return out, err
}

// MyCourses lists the courses owned by the token's user.
func (c *Client) MyCourses(ctx context.Context, key, token string) ([]Course, error) {
	var out []Course
	err := c.Do(ctx, Request{Key: key, Token: token, Method: http.MethodGet, Path: "/courses/mine"}, &out)
	return out, err
}

// Delete removes the resource at path ("/courses/42").
func (c *Client) Delete(ctx context.Context, key, token, path string) error {
	return c.Do(ctx, Request{Key: key, Token: token, Method: http.MethodDelete, Path: path}, nil)
}
