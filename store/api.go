package store

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/publish"
	"github.com/temoto/envtele/reading"
)

// API is the REST face of a Store.
//
//	GET  /readings                  ?since=YYYY-MM-DD HH:MM:SS &limit=N
//	GET  /readings/:sensor_id       same query
//	POST /readings                  {"sensor_id","timestamp","temperature","pressure","humidity"}
type API struct {
	Log   *log2.Log
	Store Store
}

func (a *API) Register(r gin.IRouter) {
	g := r.Group("/readings")
	g.GET("", a.list)
	g.GET("/:sensor_id", a.listSensor)
	g.POST("", a.insert)
}

// NewRouter returns gin engine with recovery and API routes, no request logging.
func NewRouter(a *API) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	a.Register(router)
	return router
}

func (a *API) list(c *gin.Context) {
	f, ok := a.filter(c)
	if !ok {
		return
	}
	a.respondList(c, f)
}

func (a *API) listSensor(c *gin.Context) {
	f, ok := a.filter(c)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("sensor_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sensor_id"})
		return
	}
	id32 := int32(id)
	f.SensorID = &id32
	a.respondList(c, f)
}

func (a *API) filter(c *gin.Context) (Filter, bool) {
	var f Filter
	if since := c.Query("since"); since != "" {
		if _, err := reading.ParseTimestamp(since); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since, expected " + reading.TimestampLayout})
			return f, false
		}
		f.Since = since
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return f, false
		}
		f.Limit = n
	}
	return f, true
}

func (a *API) respondList(c *gin.Context, f Filter) {
	records, err := a.Store.List(c.Request.Context(), f)
	if err != nil {
		a.Log.Errorf("store list: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, records)
}

func (a *API) insert(c *gin.Context) {
	var body publish.ReadingJSON
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !body.Complete() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing fields"})
		return
	}
	rec, err := a.Store.Insert(c.Request.Context(), body.Reading())
	if err != nil {
		a.Log.Errorf("store insert: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	a.Log.Debugf("store insert id=%s sensor=%d", rec.ID, rec.SensorID)
	c.JSON(http.StatusCreated, gin.H{"message": "reading stored", "id": rec.ID.String()})
}
