package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tokenized/logger"

	"block-lens/pkg/lens"
	"block-lens/pkg/types"
)

var (
	blocksServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocklens_blocks_served_total",
		Help: "Block queries answered.",
	})
	txsServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocklens_txs_served_total",
		Help: "Transaction queries answered.",
	})
)

type server struct {
	db *lens.BlockDB
}

func main() {
	godotenv.Load()

	ctx := logger.ContextWithLogConfig(context.Background(), logger.NewConfig(true, true, ""))

	datadir := os.Getenv("DATADIR")
	if datadir == "" {
		fmt.Fprintln(os.Stderr, "DATADIR not set")
		os.Exit(1)
	}
	workers, _ := strconv.Atoi(os.Getenv("WORKERS"))
	db, err := lens.Open(ctx, datadir, lens.Options{
		TxIndex: os.Getenv("TXINDEX") == "1",
		Workers: workers,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", datadir, err)
		os.Exit(1)
	}
	defer db.Close()

	prometheus.MustRegister(blocksServed, txsServed)

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
	}))

	s := &server{db: db}

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/api/info", s.handleInfo)
	r.GET("/api/header/:height", s.handleHeader)
	r.GET("/api/block/:id", s.handleBlock)
	r.GET("/api/tx/:txid", s.handleTx)
	r.POST("/api/script", s.handleScript)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	logger.Info(ctx, "serving on http://127.0.0.1:%s", port)
	if err := r.Run(":" + port); err != nil {
		logger.Error(ctx, "server: %s", err)
		os.Exit(1)
	}
}

func (s *server) handleInfo(c *gin.Context) {
	count := s.db.BlockCount()
	tip, err := s.db.HashOf(count - 1)
	if err != nil {
		fail(c, 500, "QUERY_FAILED", err)
		return
	}
	c.JSON(200, gin.H{
		"block_count": count,
		"tip_height":  count - 1,
		"tip_hash":    tip.String(),
	})
}

func (s *server) handleHeader(c *gin.Context) {
	height, err := strconv.ParseUint(c.Param("height"), 10, 64)
	if err != nil {
		fail(c, 400, "INVALID_HEIGHT", err)
		return
	}
	hdr, err := s.db.Header(height)
	if err != nil {
		fail(c, 404, "NOT_FOUND", err)
		return
	}
	hash, _ := s.db.HashOf(height)
	c.JSON(200, types.NewHeaderJSON(height, hash, hdr))
}

// handleBlock accepts a height or a display-hex block hash, plus an
// optional ?projection=full|simple.
func (s *server) handleBlock(c *gin.Context) {
	id := c.Param("id")

	var height uint64
	if len(id) == 64 {
		hash, err := chainhash.NewHashFromStr(id)
		if err != nil {
			fail(c, 400, "INVALID_HASH", err)
			return
		}
		height, err = s.db.HeightOf(*hash)
		if err != nil {
			fail(c, 404, "NOT_FOUND", err)
			return
		}
	} else {
		var err error
		height, err = strconv.ParseUint(id, 10, 64)
		if err != nil {
			fail(c, 400, "INVALID_HEIGHT", err)
			return
		}
	}

	switch c.DefaultQuery("projection", "simple") {
	case "full":
		fb, err := s.db.BlockFull(height)
		if err != nil {
			fail(c, 404, "NOT_FOUND", err)
			return
		}
		blocksServed.Inc()
		c.JSON(200, fb.JSON())
	case "simple":
		sb, err := s.db.BlockSimple(height)
		if err != nil {
			fail(c, 404, "NOT_FOUND", err)
			return
		}
		blocksServed.Inc()
		c.JSON(200, sb.JSON())
	default:
		fail(c, 400, "INVALID_PROJECTION", fmt.Errorf("projection must be full or simple"))
	}
}

func (s *server) handleTx(c *gin.Context) {
	txid, err := chainhash.NewHashFromStr(c.Param("txid"))
	if err != nil {
		fail(c, 400, "INVALID_TXID", err)
		return
	}
	ftx, err := s.db.TransactionFull(*txid)
	if err != nil {
		fail(c, 404, "NOT_FOUND", err)
		return
	}
	txsServed.Inc()

	out := gin.H{"tx": ftx.JSON()}
	if height, err := s.db.HeightOfTxid(*txid); err == nil {
		out["height"] = height
	}
	c.JSON(200, out)
}

func (s *server) handleScript(c *gin.Context) {
	var req struct {
		ScriptHex string `json:"script_hex"`
	}
	if err := c.BindJSON(&req); err != nil {
		fail(c, 400, "INVALID_JSON", err)
		return
	}
	script, err := hex.DecodeString(req.ScriptHex)
	if err != nil {
		fail(c, 400, "INVALID_HEX", err)
		return
	}
	c.JSON(200, lens.ParseScript(script))
}

func fail(c *gin.Context, status int, code string, err error) {
	c.JSON(status, gin.H{
		"ok":    false,
		"error": gin.H{"code": code, "message": err.Error()},
	})
}
