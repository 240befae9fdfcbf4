package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"library-circulation/library"
)

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.mgr.Ping(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListBooks(c *gin.Context) {
	books, err := s.mgr.GetAllBooks(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if books == nil {
		books = []*library.Book{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": books, "count": len(books)})
}

func (s *Server) handleGetBook(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abortErr(c, http.StatusBadRequest, "invalid book id", "invalid_input")
		return
	}
	book, err := s.mgr.GetBook(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, book)
}

type borrowReq struct {
	BookID int64 `json:"bookId" binding:"required"`
}

func (s *Server) handleBorrow(c *gin.Context) {
	var req borrowReq
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, http.StatusBadRequest, "bookId required", "invalid_input")
		return
	}
	tx, err := s.mgr.Borrow(c.Request.Context(), principal(c), req.BookID)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, viewLoan(tx, s.mgr.Now()))
}

func (s *Server) handleReturn(c *gin.Context) {
	tx, err := s.mgr.Return(c.Request.Context(), principal(c), c.Param("transactionId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, viewLoan(tx, s.mgr.Now()))
}

func (s *Server) handleRenew(c *gin.Context) {
	tx, err := s.mgr.Renew(c.Request.Context(), principal(c), c.Param("transactionId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, viewLoan(tx, s.mgr.Now()))
}

func (s *Server) handleMyBorrowings(c *gin.Context) {
	txs, err := s.mgr.MyBorrowings(c.Request.Context(), principal(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": viewLoans(txs, s.mgr.Now()), "count": len(txs)})
}

func (s *Server) handleHistory(c *gin.Context) {
	h, err := s.mgr.History(c.Request.Context(), principal(c).MemberID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h, "count": len(h)})
}

func (s *Server) handleAllBorrowings(c *gin.Context) {
	page, limit, err := pageParams(c)
	if err != nil {
		abortErr(c, http.StatusBadRequest, err.Error(), "invalid_input")
		return
	}
	res, err := s.mgr.AllBorrowings(c.Request.Context(), library.ListQuery{
		Status:   library.LoanStatus(c.Query("status")),
		Page:     page,
		PageSize: limit,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"transactions": viewLoans(res.Items, s.mgr.Now()),
		"totalPages":   res.TotalPages,
		"currentPage":  res.Page,
		"total":        res.Total,
	})
}

func (s *Server) handleListFines(c *gin.Context) {
	page, limit, err := pageParams(c)
	if err != nil {
		abortErr(c, http.StatusBadRequest, err.Error(), "invalid_input")
		return
	}
	q := library.FineQuery{
		Status:   library.FineStatus(c.Query("status")),
		Page:     page,
		PageSize: limit,
	}
	if v := c.Query("memberId"); v != "" {
		if q.MemberID, err = strconv.ParseInt(v, 10, 64); err != nil {
			abortErr(c, http.StatusBadRequest, "invalid memberId", "invalid_input")
			return
		}
	}
	res, err := s.mgr.Fines(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"fines":       res.Items,
		"totalPages":  res.TotalPages,
		"currentPage": res.Page,
		"total":       res.Total,
	})
}

type settleReq struct {
	Status        library.FineStatus `json:"status" binding:"required"`
	PaymentMethod string             `json:"paymentMethod"`
}

func (s *Server) handleSettleFine(c *gin.Context) {
	var req settleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, http.StatusBadRequest, "status required", "invalid_input")
		return
	}
	fine, err := s.mgr.SettleFine(c.Request.Context(), c.Param("id"), req.Status, req.PaymentMethod)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, fine)
}
