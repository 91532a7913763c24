package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/TeamWiseflow/wiseflow-go/pkg/fetch"
	"github.com/TeamWiseflow/wiseflow-go/pkg/item"
)

// maxContentsDepth bounds directory recursion for the contents operation.
const maxContentsDepth = 5

// maxCommentBatch bounds comment fetches per issue.
const maxCommentBatch = 50

// repoInfo is the subset of the repository payload the connector uses.
type repoInfo struct {
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	HTMLURL     string `json:"html_url"`
	Language    string `json:"language"`
	Stars       int    `json:"stargazers_count"`
	Forks       int    `json:"forks_count"`
	UpdatedAt   string `json:"updated_at"`
}

// issueInfo is the subset of the issue/PR payload the connector uses.
type issueInfo struct {
	Number   int    `json:"number"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	State    string `json:"state"`
	HTMLURL  string `json:"html_url"`
	Comments int    `json:"comments"`
	User     struct {
		Login string `json:"login"`
	} `json:"user"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
	CreatedAt   string    `json:"created_at"`
}

// commentInfo is one issue or review comment.
type commentInfo struct {
	Body string `json:"body"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
}

// collectRepository emits one DataItem whose content is the repository README.
func (c *Connector) collectRepository(ctx context.Context, repo string) ([]*item.DataItem, error) {
	if repo == "" {
		return nil, fmt.Errorf("%w: missing repo parameter", errMissingParam)
	}

	body, err := c.get(ctx, "/repos/"+repo, nil, nil)
	if err != nil {
		return c.errorItems("repo:"+repo, err)
	}

	var info repoInfo

	decodeErr := json.Unmarshal(body, &info)
	if decodeErr != nil {
		return nil, fmt.Errorf("decode repository: %w", decodeErr)
	}

	content := info.Description

	readme, readmeErr := c.get(ctx, "/repos/"+repo+"/readme", nil, map[string]string{
		"Accept": "application/vnd.github.raw+json",
	})
	if readmeErr == nil && len(readme) > 0 {
		content = string(readme)
	}

	if content == "" {
		content = info.FullName
	}

	di, itemErr := item.New(info.FullName, content)
	if itemErr != nil {
		return nil, itemErr
	}

	di.ContentType = "text/markdown"
	di.URL = info.HTMLURL
	di.WithMeta("stars", info.Stars)
	di.WithMeta("forks", info.Forks)

	if info.Language != "" {
		di.WithMeta("language", info.Language)
	}

	di.Raw = json.RawMessage(body)

	return []*item.DataItem{di}, nil
}

// contentsEntry is one entry of a directory listing or a single file payload.
type contentsEntry struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	HTMLURL     string `json:"html_url"`
	Content     string `json:"content"`
	Encoding    string `json:"encoding"`
	DownloadURL string `json:"download_url"`
}

// collectContents recursively emits one DataItem per file under path.
func (c *Connector) collectContents(ctx context.Context, repo, path string) ([]*item.DataItem, error) {
	if repo == "" {
		return nil, fmt.Errorf("%w: missing repo parameter", errMissingParam)
	}

	items, err := c.walkContents(ctx, repo, path, 0)
	if err != nil {
		return c.errorItems("contents:"+repo+"/"+path, err)
	}

	return items, nil
}

func (c *Connector) walkContents(ctx context.Context, repo, path string, depth int) ([]*item.DataItem, error) {
	if depth > maxContentsDepth {
		return nil, nil
	}

	body, err := c.get(ctx, "/repos/"+repo+"/contents/"+strings.TrimPrefix(path, "/"), nil, nil)
	if err != nil {
		return nil, err
	}

	// A directory listing is an array; a file is a single object.
	var entries []contentsEntry

	if json.Unmarshal(body, &entries) != nil {
		var single contentsEntry

		singleErr := json.Unmarshal(body, &single)
		if singleErr != nil {
			return nil, fmt.Errorf("decode contents: %w", singleErr)
		}

		entries = []contentsEntry{single}
	}

	var items []*item.DataItem

	for _, entry := range entries {
		switch entry.Type {
		case "dir":
			sub, walkErr := c.walkContents(ctx, repo, entry.Path, depth+1)
			if walkErr != nil {
				return items, walkErr
			}

			items = append(items, sub...)
		case "file":
			di := c.fileItem(ctx, repo, entry)
			if di != nil {
				items = append(items, di)
			}
		}
	}

	return items, nil
}

// fileItem converts one file entry to a DataItem, fetching its content when
// the listing did not inline it.
func (c *Connector) fileItem(ctx context.Context, repo string, entry contentsEntry) *item.DataItem {
	content := decodeFileContent(entry)

	if content == "" {
		body, err := c.get(ctx, "/repos/"+repo+"/contents/"+entry.Path, nil, nil)
		if err == nil {
			var full contentsEntry
			if json.Unmarshal(body, &full) == nil {
				content = decodeFileContent(full)
			}
		}
	}

	if content == "" {
		return nil
	}

	di, err := item.New(repo+"/"+entry.Path, content)
	if err != nil {
		return nil
	}

	di.ContentType = "text/plain"
	di.URL = entry.HTMLURL
	di.WithMeta("path", entry.Path)
	di.WithMeta("repo", repo)

	return di
}

// decodeFileContent decodes the base64 payload of a file entry.
func decodeFileContent(entry contentsEntry) string {
	if entry.Content == "" {
		return ""
	}

	if entry.Encoding != "base64" {
		return entry.Content
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(entry.Content, "\n", ""))
	if err != nil {
		return ""
	}

	return string(decoded)
}

// commitInfo is the subset of the commit payload the connector uses.
type commitInfo struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
			Date string `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// collectCommits emits one DataItem per commit.
func (c *Connector) collectCommits(ctx context.Context, repo string, maxItems int) ([]*item.DataItem, error) {
	if repo == "" {
		return nil, fmt.Errorf("%w: missing repo parameter", errMissingParam)
	}

	raw, err := c.paginate(ctx, "/repos/"+repo+"/commits", nil, maxItems, rawArray)
	if err != nil && len(raw) == 0 {
		return c.errorItems("commits:"+repo, err)
	}

	items := make([]*item.DataItem, 0, len(raw))

	for _, elem := range raw {
		var info commitInfo

		if json.Unmarshal(elem, &info) != nil {
			continue
		}

		di, itemErr := item.New(repo+"@"+info.SHA, info.Commit.Message)
		if itemErr != nil {
			continue
		}

		di.ContentType = "text/plain"
		di.URL = info.HTMLURL
		di.WithMeta("repo", repo)
		di.WithMeta("author", info.Commit.Author.Name)

		if ts, parseErr := time.Parse(time.RFC3339, info.Commit.Author.Date); parseErr == nil {
			di.Timestamp = ts
		}

		items = append(items, di)
	}

	return items, nil
}

// collectIssues emits one Markdown DataItem per issue or pull request,
// including comment sections (and review comments for PRs).
func (c *Connector) collectIssues(ctx context.Context, repo string, pulls bool, maxItems int) ([]*item.DataItem, error) {
	if repo == "" {
		return nil, fmt.Errorf("%w: missing repo parameter", errMissingParam)
	}

	endpoint := "/repos/" + repo + "/issues"
	if pulls {
		endpoint = "/repos/" + repo + "/pulls"
	}

	raw, err := c.paginate(ctx, endpoint, url.Values{"state": {"all"}}, maxItems, rawArray)
	if err != nil && len(raw) == 0 {
		return c.errorItems("issues:"+repo, err)
	}

	var items []*item.DataItem

	for _, elem := range raw {
		var info issueInfo

		if json.Unmarshal(elem, &info) != nil {
			continue
		}

		// The issues endpoint lists PRs too; skip them unless asked for.
		if !pulls && info.PullRequest != nil {
			continue
		}

		di := c.issueItem(ctx, repo, info, pulls)
		if di != nil {
			items = append(items, di)
		}
	}

	return items, nil
}

// issueItem renders one issue or PR as Markdown sections.
func (c *Connector) issueItem(ctx context.Context, repo string, info issueInfo, pull bool) *item.DataItem {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", info.Title)

	if info.Body != "" {
		b.WriteString(info.Body)
		b.WriteString("\n")
	}

	if info.Comments > 0 {
		c.appendComments(ctx, &b, "/repos/"+repo+"/issues/"+itoa(info.Number)+"/comments", "Comments")
	}

	if pull {
		c.appendComments(ctx, &b, "/repos/"+repo+"/pulls/"+itoa(info.Number)+"/comments", "Review comments")
	}

	kind := "issue"
	if pull {
		kind = "pull"
	}

	di, err := item.New(fmt.Sprintf("%s#%d", repo, info.Number), b.String())
	if err != nil {
		return nil
	}

	di.ContentType = "text/markdown"
	di.URL = info.HTMLURL
	di.WithMeta("repo", repo)
	di.WithMeta("kind", kind)
	di.WithMeta("state", info.State)
	di.WithMeta("author", info.User.Login)

	if ts, parseErr := time.Parse(time.RFC3339, info.CreatedAt); parseErr == nil {
		di.Timestamp = ts
	}

	return di
}

// appendComments fetches one comment page and appends it as a section.
// Comment failures degrade the section, never the item.
func (c *Connector) appendComments(ctx context.Context, b *strings.Builder, endpoint, heading string) {
	body, err := c.get(ctx, endpoint, url.Values{"per_page": {itoa(maxCommentBatch)}}, nil)
	if err != nil {
		return
	}

	var comments []commentInfo

	if json.Unmarshal(body, &comments) != nil || len(comments) == 0 {
		return
	}

	fmt.Fprintf(b, "\n## %s\n", heading)

	for _, comment := range comments {
		fmt.Fprintf(b, "\n**%s**: %s\n", comment.User.Login, comment.Body)
	}
}

// userInfo is the subset of the user payload the connector uses.
type userInfo struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Bio       string `json:"bio"`
	HTMLURL   string `json:"html_url"`
	Company   string `json:"company"`
	Followers int    `json:"followers"`
}

// collectUser emits one DataItem for a user profile.
func (c *Connector) collectUser(ctx context.Context, login string) ([]*item.DataItem, error) {
	if login == "" {
		return nil, fmt.Errorf("%w: missing user parameter", errMissingParam)
	}

	body, err := c.get(ctx, "/users/"+login, nil, nil)
	if err != nil {
		return c.errorItems("user:"+login, err)
	}

	var info userInfo

	decodeErr := json.Unmarshal(body, &info)
	if decodeErr != nil {
		return nil, fmt.Errorf("decode user: %w", decodeErr)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", info.Login)

	if info.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", info.Name)
	}

	if info.Company != "" {
		fmt.Fprintf(&b, "Company: %s\n", info.Company)
	}

	if info.Bio != "" {
		fmt.Fprintf(&b, "\n%s\n", info.Bio)
	}

	di, itemErr := item.New("user:"+info.Login, b.String())
	if itemErr != nil {
		return nil, itemErr
	}

	di.ContentType = "text/markdown"
	di.URL = info.HTMLURL
	di.WithMeta("followers", info.Followers)

	return []*item.DataItem{di}, nil
}

// searchResult is the common subset of search hits across types.
type searchResult struct {
	FullName    string `json:"full_name"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Description string `json:"description"`
	HTMLURL     string `json:"html_url"`
	Stars       int    `json:"stargazers_count"`
	Repository  *struct {
		FullName string `json:"full_name"`
	} `json:"repository,omitempty"`
}

// collectSearch emits one DataItem per search hit.
func (c *Connector) collectSearch(ctx context.Context, searchType, query string, maxItems int) ([]*item.DataItem, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: missing query parameter", errMissingParam)
	}

	raw, err := c.paginate(ctx, "/search/"+searchType, url.Values{"q": {query}}, maxItems, searchItems)
	if err != nil && len(raw) == 0 {
		return c.errorItems("search:"+query, err)
	}

	items := make([]*item.DataItem, 0, len(raw))

	for _, elem := range raw {
		var hit searchResult

		if json.Unmarshal(elem, &hit) != nil {
			continue
		}

		sourceID, content := searchHitContent(searchType, hit)
		if sourceID == "" || content == "" {
			continue
		}

		di, itemErr := item.New(sourceID, content)
		if itemErr != nil {
			continue
		}

		di.ContentType = "text/markdown"
		di.URL = hit.HTMLURL
		di.WithMeta("search_type", searchType)
		di.WithMeta("query", query)

		if hit.Stars > 0 {
			di.WithMeta("stars", hit.Stars)
		}

		items = append(items, di)
	}

	return items, nil
}

// searchHitContent derives the item identity and content per search type.
func searchHitContent(searchType string, hit searchResult) (sourceID, content string) {
	switch searchType {
	case "repositories":
		return hit.FullName, fmt.Sprintf("# %s\n\n%s", hit.FullName, hit.Description)
	case "code":
		repo := ""
		if hit.Repository != nil {
			repo = hit.Repository.FullName
		}

		return repo + "/" + hit.Path, fmt.Sprintf("`%s` in %s", hit.Path, repo)
	case "issues":
		return hit.HTMLURL, fmt.Sprintf("# %s\n\n%s", hit.Title, hit.Body)
	default:
		return "", ""
	}
}

// errMissingParam marks a missing required collection parameter.
var errMissingParam = errors.New("github connector")

// errorItems maps a final fetch failure onto either a retryable error or a
// single synthetic DataItem describing the failure kind.
func (c *Connector) errorItems(op string, err error) ([]*item.DataItem, error) {
	kind := fetch.KindOf(err)
	if kind.Retryable() {
		return nil, err
	}

	var tag string

	switch kind {
	case fetch.KindNotFound:
		tag = "not_found"
	case fetch.KindAuth:
		tag = "auth"
	case fetch.KindValidation:
		tag = "validation"
	default:
		tag = "api_error"
	}

	di, itemErr := item.New("error:"+op, err.Error())
	if itemErr != nil {
		return nil, err
	}

	di.ContentType = "text/plain"
	di.WithMeta("error", tag)

	return []*item.DataItem{di}, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
